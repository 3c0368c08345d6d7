package projection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"CDPLedger/internal/observability"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const workerID = "main"

// JournalEntry is one journal row as the projection reads it
type JournalEntry struct {
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        string
}

type balanceKey struct {
	account string
	asset   string
}

// BalanceProjector folds cdp_log.journal into projections.balances. It tails
// the durable log rather than the engine, so it can lag or be rebuilt
// without touching the write path.
type BalanceProjector struct {
	db        *sql.DB
	batchSize int
	poll      time.Duration
	logger    zerolog.Logger
}

func NewBalanceProjector(db *sql.DB, batchSize int, poll time.Duration) *BalanceProjector {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &BalanceProjector{
		db:        db,
		batchSize: batchSize,
		poll:      poll,
		logger:    observability.NewLogger("projection"),
	}
}

// Run catches up every poll interval until ctx is cancelled.
func (bp *BalanceProjector) Run(ctx context.Context) error {
	ticker := time.NewTicker(bp.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for {
				applied, err := bp.CatchUp(ctx)
				if err != nil {
					// Eventually consistent; the next tick retries from the watermark
					bp.logger.Warn().Err(err).Msg("projection update failed")
					break
				}
				if applied < bp.batchSize {
					break
				}
			}
		}
	}
}

// CatchUp applies the next batch of events past the watermark in one
// transaction and returns how many events it covered.
func (bp *BalanceProjector) CatchUp(ctx context.Context) (int, error) {
	tx, err := bp.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	watermark, err := loadWatermark(ctx, tx)
	if err != nil {
		return 0, err
	}

	var upper sql.NullInt64
	var count int
	if err := tx.QueryRowContext(ctx, `
		SELECT MAX(sequence), COUNT(*) FROM (
			SELECT sequence FROM cdp_log.events
			WHERE sequence > $1
			ORDER BY sequence
			LIMIT $2
		) window_events
	`, watermark, bp.batchSize).Scan(&upper, &count); err != nil {
		return 0, fmt.Errorf("event window: %w", err)
	}
	if !upper.Valid {
		return 0, nil
	}

	entries, err := loadJournal(ctx, tx, watermark, upper.Int64)
	if err != nil {
		return 0, err
	}
	deltas, err := fold(entries)
	if err != nil {
		return 0, err
	}

	for key, delta := range deltas {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
			VALUES ($1, $2, $3::numeric, $4)
			ON CONFLICT (account_path, asset)
			DO UPDATE SET balance = projections.balances.balance + $3::numeric, last_sequence = $4
		`, key.account, key.asset, delta.String(), upper.Int64); err != nil {
			return 0, fmt.Errorf("balance %s: %w", key.account, err)
		}
	}

	if err := storeWatermark(ctx, tx, upper.Int64); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	bp.logger.Debug().
		Int64("through", upper.Int64).
		Int("events", count).
		Int("journals", len(entries)).
		Msg("projection advanced")
	return count, nil
}

// fold nets journal entries into per-account deltas. Debits add, credits
// subtract, matching the treasury's own bookkeeping.
func fold(entries []JournalEntry) (map[balanceKey]decimal.Decimal, error) {
	deltas := make(map[balanceKey]decimal.Decimal)
	for _, j := range entries {
		amount, err := decimal.NewFromString(j.Amount)
		if err != nil {
			return nil, fmt.Errorf("sequence %d amount %q: %w", j.Sequence, j.Amount, err)
		}
		debit := balanceKey{j.DebitAccount, j.Asset}
		credit := balanceKey{j.CreditAccount, j.Asset}
		deltas[debit] = deltas[debit].Add(amount)
		deltas[credit] = deltas[credit].Sub(amount)
	}
	return deltas, nil
}

// RebuildProjections recomputes every balance from the journal.
func RebuildProjections(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `TRUNCATE projections.balances`); err != nil {
		return fmt.Errorf("truncate balances: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		SELECT account_path, asset, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, asset, amount AS delta, sequence
			FROM cdp_log.journal
			UNION ALL
			SELECT credit_account, asset, -amount, sequence
			FROM cdp_log.journal
		) legs
		GROUP BY account_path, asset
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	var latest sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(sequence) FROM cdp_log.events`).Scan(&latest); err != nil {
		return fmt.Errorf("latest sequence: %w", err)
	}
	through := int64(-1)
	if latest.Valid {
		through = latest.Int64
	}
	if err := storeWatermark(ctx, tx, through); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logger := observability.NewLogger("projection")
	logger.Info().Int64("through", through).Msg("projection rebuild complete")
	return nil
}

// Watermark returns the last sequence folded into the projection, -1 if none
func Watermark(ctx context.Context, db *sql.DB) (int64, error) {
	return loadWatermark(ctx, db)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadWatermark(ctx context.Context, q queryer) (int64, error) {
	var seq int64
	err := q.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = $1
	`, workerID).Scan(&seq)
	if err == sql.ErrNoRows {
		return -1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load watermark: %w", err)
	}
	return seq, nil
}

func storeWatermark(ctx context.Context, tx *sql.Tx, seq int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, workerID, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return nil
}

func loadJournal(ctx context.Context, tx *sql.Tx, after, through int64) ([]JournalEntry, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT sequence, debit_account, credit_account, asset, amount::text
		FROM cdp_log.journal
		WHERE sequence > $1 AND sequence <= $2
		ORDER BY sequence, batch_sequence
	`, after, through)
	if err != nil {
		return nil, fmt.Errorf("load journal: %w", err)
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var j JournalEntry
		if err := rows.Scan(&j.Sequence, &j.DebitAccount, &j.CreditAccount, &j.Asset, &j.Amount); err != nil {
			return nil, err
		}
		entries = append(entries, j)
	}
	return entries, rows.Err()
}
