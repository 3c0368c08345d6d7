package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// EventLogWriter writes committed engine outputs to Postgres using
// multi-row inserts inside a caller-provided transaction.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow is a row in cdp_log.events: one committed engine call
type EventRow struct {
	Sequence    int64
	Operation   string
	OperationID uuid.UUID
	Caller      uuid.UUID
	EventTypes  []string
	Payload     []byte // JSON array of {type, data}
	StateHash   []byte
	PrevHash    []byte
	Timestamp   time.Time
}

// JournalRow is a row in cdp_log.journal
type JournalRow struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	EventRef      string
	Sequence      int64 // engine sequence of the owning call
	BatchSequence int64
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        string // NUMERIC(78,0), 18 decimals
	JournalType   string
	Timestamp     int64
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// RowsFromOutput converts one engine output into its event row and journal rows
func RowsFromOutput(out core.CoreOutput, ts time.Time) (EventRow, []JournalRow, error) {
	env := out.Envelope
	payload, err := event.MarshalPayload(env.Events)
	if err != nil {
		return EventRow{}, nil, fmt.Errorf("sequence %d: %w", env.Sequence, err)
	}

	types := env.Types()
	names := make([]string, 0, len(types))
	for _, et := range types {
		names = append(names, et.String())
	}

	row := EventRow{
		Sequence:    env.Sequence,
		Operation:   env.Operation,
		OperationID: env.OperationID,
		Caller:      env.Caller,
		EventTypes:  names,
		Payload:     payload,
		StateHash:   env.StateHash[:],
		PrevHash:    env.PrevHash[:],
		Timestamp:   ts,
	}

	var journals []JournalRow
	for _, batch := range out.Batches {
		for _, j := range batch.Journals {
			asset := "UNKNOWN"
			if name, ok := ledger.GetAssetName(j.AssetID); ok {
				asset = name
			}
			journals = append(journals, JournalRow{
				JournalID:     j.JournalID,
				BatchID:       j.BatchID,
				EventRef:      j.EventRef,
				Sequence:      env.Sequence,
				BatchSequence: j.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Asset:         asset,
				Amount:        j.Amount.Dec(),
				JournalType:   j.JournalType.String(),
				Timestamp:     j.Timestamp,
			})
		}
	}

	return row, journals, nil
}

// WriteEventBatch writes a batch of events to cdp_log.events
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	const cols = 9
	query := `INSERT INTO cdp_log.events
		(sequence, operation, operation_id, caller, event_types, payload, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*cols)

	for i, e := range events {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			e.Sequence, e.Operation, e.OperationID.String(), e.Caller.String(),
			pq.Array(e.EventTypes), e.Payload, e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to cdp_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, tx *sql.Tx, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	const cols = 11
	query := `INSERT INTO cdp_log.journal
		(journal_id, batch_id, event_ref, sequence, batch_sequence, debit_account, credit_account,
		 asset, amount, journal_type, timestamp)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]interface{}, 0, len(journals)*cols)

	for i, j := range journals {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			j.JournalID.String(), j.BatchID.String(), j.EventRef, j.Sequence, j.BatchSequence,
			j.DebitAccount, j.CreditAccount, j.Asset, j.Amount, j.JournalType, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// LoadEventsFrom returns up to limit events starting at fromSequence
func (w *EventLogWriter) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT sequence, operation, operation_id, caller, event_types, payload,
		       state_hash, prev_hash, timestamp
		FROM cdp_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var (
			e            EventRow
			opID, caller string
		)
		if err := rows.Scan(
			&e.Sequence, &e.Operation, &opID, &caller, pq.Array(&e.EventTypes),
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		if e.OperationID, err = uuid.Parse(opID); err != nil {
			return nil, fmt.Errorf("sequence %d operation_id: %w", e.Sequence, err)
		}
		if e.Caller, err = uuid.Parse(caller); err != nil {
			return nil, fmt.Errorf("sequence %d caller: %w", e.Sequence, err)
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// LatestSequence returns the highest sequence in the event log, -1 when empty
func (w *EventLogWriter) LatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := w.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM cdp_log.events`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

// placeholders renders ($base+1, ..., $base+n)
func placeholders(base, n int) string {
	var sb strings.Builder
	sb.WriteByte('(')
	for k := 1; k <= n; k++ {
		if k > 1 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "$%d", base+k)
	}
	sb.WriteByte(')')
	return sb.String()
}
