package projection

import (
	"context"
	"testing"
	"time"

	"CDPLedger/internal/persistence"
	"CDPLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFold_NetsDebitsAndCredits(t *testing.T) {
	entries := []JournalEntry{
		{Sequence: 0, DebitAccount: "user:a:collateral:COLL", CreditAccount: "external:collateral:COLL", Asset: "COLL", Amount: "10000000000000000000"},
		{Sequence: 1, DebitAccount: "system:active_pool:COLL", CreditAccount: "user:a:collateral:COLL", Asset: "COLL", Amount: "4000000000000000000"},
		{Sequence: 1, DebitAccount: "user:a:stable:STABLE", CreditAccount: "external:stable:STABLE", Asset: "STABLE", Amount: "1000"},
	}

	deltas, err := fold(entries)
	require.NoError(t, err)

	assert.Equal(t, "6000000000000000000", deltas[balanceKey{"user:a:collateral:COLL", "COLL"}].String())
	assert.Equal(t, "-10000000000000000000", deltas[balanceKey{"external:collateral:COLL", "COLL"}].String())
	assert.Equal(t, "4000000000000000000", deltas[balanceKey{"system:active_pool:COLL", "COLL"}].String())
	assert.Equal(t, "-1000", deltas[balanceKey{"external:stable:STABLE", "STABLE"}].String())

	for _, asset := range []string{"COLL", "STABLE"} {
		total := decimal.Zero
		for key, d := range deltas {
			if key.asset == asset {
				total = total.Add(d)
			}
		}
		assert.True(t, total.IsZero(), asset)
	}
}

func TestFold_RejectsMalformedAmount(t *testing.T) {
	_, err := fold([]JournalEntry{{Sequence: 3, DebitAccount: "a", CreditAccount: "b", Asset: "COLL", Amount: "abc"}})
	assert.Error(t, err)
}

func TestBalanceProjector_Integration(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, persistence.NewMigrator(db, "../../migrations").Up(ctx))

	now := time.Now().UTC()
	rows := []persistence.EventRow{
		testEventRow(0, now),
		testEventRow(1, now),
	}
	journals := []persistence.JournalRow{
		testJournalRow(0, "user:a:collateral:COLL", "external:collateral:COLL", "5"),
		testJournalRow(1, "system:active_pool:COLL", "user:a:collateral:COLL", "2"),
	}

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	writer := persistence.NewEventLogWriter(db)
	require.NoError(t, writer.WriteEventBatch(ctx, tx, rows))
	require.NoError(t, writer.WriteJournalBatch(ctx, tx, journals))
	require.NoError(t, tx.Commit())

	bp := NewBalanceProjector(db, 1, time.Second)
	n, err := bp.CatchUp(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = bp.CatchUp(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = bp.CatchUp(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	wm, err := Watermark(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, int64(1), wm)

	var balance string
	require.NoError(t, db.QueryRowContext(ctx, `
		SELECT balance::text FROM projections.balances WHERE account_path = $1 AND asset = 'COLL'
	`, "user:a:collateral:COLL").Scan(&balance))
	assert.Equal(t, "3", balance)

	require.NoError(t, RebuildProjections(ctx, db))
	require.NoError(t, db.QueryRowContext(ctx, `
		SELECT balance::text FROM projections.balances WHERE account_path = $1 AND asset = 'COLL'
	`, "user:a:collateral:COLL").Scan(&balance))
	assert.Equal(t, "3", balance)
}

func testEventRow(seq int64, ts time.Time) persistence.EventRow {
	return persistence.EventRow{
		Sequence:    seq,
		Operation:   "deposit",
		OperationID: uuid.New(),
		Caller:      uuid.New(),
		EventTypes:  []string{},
		Payload:     []byte(`[]`),
		StateHash:   make([]byte, 32),
		PrevHash:    make([]byte, 32),
		Timestamp:   ts,
	}
}

func testJournalRow(seq int64, debit, credit, amount string) persistence.JournalRow {
	return persistence.JournalRow{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		EventRef:      "test",
		Sequence:      seq,
		DebitAccount:  debit,
		CreditAccount: credit,
		Asset:         "COLL",
		Amount:        amount,
		JournalType:   "deposit",
		Timestamp:     time.Now().UnixMicro(),
	}
}
