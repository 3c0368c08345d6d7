package query

import (
	"context"
	"database/sql"
	"fmt"

	"CDPLedger/internal/projection"

	"github.com/google/uuid"
)

// QueryService serves read-only history from the event log and the balance
// projection. Live engine state is served by the host, not from here.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// AccountBalances returns every projected account owned by owner.
func (qs *QueryService) AccountBalances(ctx context.Context, owner uuid.UUID) ([]BalanceResponse, error) {
	asOf, err := projection.Watermark(ctx, qs.db)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT account_path, asset, balance::text, last_sequence
		FROM projections.balances
		WHERE account_path LIKE $1
		ORDER BY account_path, asset
	`, userPrefix(owner))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BalanceResponse
	for rows.Next() {
		b := BalanceResponse{AsOfSequence: asOf}
		if err := rows.Scan(&b.AccountPath, &b.Asset, &b.Balance, &b.LastSequence); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// JournalHistory returns an owner's journal entries newest first. A non-nil
// before pages backwards from that sequence.
func (qs *QueryService) JournalHistory(
	ctx context.Context,
	owner uuid.UUID,
	limit int,
	before *int64,
) ([]JournalHistoryEntry, error) {
	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset, amount::text, journal_type, timestamp
		FROM cdp_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []any{userPrefix(owner)}
	argIdx := 2

	if before != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *before)
		argIdx++
	}

	query += " ORDER BY sequence DESC, batch_sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the event log's hash chain and sequence continuity,
// and that projected balances net to zero per asset.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{LastSequence: -1}

	var last sql.NullInt64
	if err := qs.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM cdp_log.events`).Scan(&last); err != nil {
		return nil, err
	}
	if last.Valid {
		report.LastSequence = last.Int64
	}

	breaks, err := qs.sequences(ctx, `
		SELECT e1.sequence
		FROM cdp_log.events e1
		JOIN cdp_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, fmt.Errorf("hash chain: %w", err)
	}
	report.HashChainBreaks = breaks

	gaps, err := qs.sequences(ctx, `
		SELECT e1.sequence
		FROM cdp_log.events e1
		LEFT JOIN cdp_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > (SELECT MIN(sequence) FROM cdp_log.events) AND e2.sequence IS NULL
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, fmt.Errorf("sequence gaps: %w", err)
	}
	report.SequenceGaps = gaps

	rows, err := qs.db.QueryContext(ctx, `
		SELECT asset, SUM(balance)::text
		FROM projections.balances
		GROUP BY asset
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, fmt.Errorf("balances: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var u UnbalancedAsset
		if err := rows.Scan(&u.Asset, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	report.evaluate()
	return report, nil
}

func (qs *QueryService) sequences(ctx context.Context, query string) ([]int64, error) {
	rows, err := qs.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		out = append(out, seq)
	}
	return out, rows.Err()
}

func userPrefix(owner uuid.UUID) string {
	return fmt.Sprintf("user:%s:%%", owner)
}
