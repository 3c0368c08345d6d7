package query

import (
	"context"
	"testing"
	"time"

	"CDPLedger/internal/persistence"
	"CDPLedger/internal/projection"
	"CDPLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegrityReport_Evaluate(t *testing.T) {
	r := &IntegrityReport{}
	r.evaluate()
	assert.True(t, r.IsHealthy)

	r.SequenceGaps = []int64{7}
	r.evaluate()
	assert.False(t, r.IsHealthy)
}

func TestUserPrefix(t *testing.T) {
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	assert.Equal(t, "user:6ba7b810-9dad-11d1-80b4-00c04fd430c8:%", userPrefix(id))
}

func TestQueryService_Integration(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, persistence.NewMigrator(db, "../../migrations").Up(ctx))

	owner := uuid.New()
	collAccount := "user:" + owner.String() + ":collateral:COLL"
	hash := func(b byte) []byte {
		h := make([]byte, 32)
		h[0] = b
		return h
	}

	events := []persistence.EventRow{
		{Sequence: 0, Operation: "deposit", OperationID: uuid.New(), Caller: owner, EventTypes: []string{},
			Payload: []byte(`[]`), StateHash: hash(1), PrevHash: hash(0), Timestamp: time.Now().UTC()},
		{Sequence: 1, Operation: "open_position", OperationID: uuid.New(), Caller: owner, EventTypes: []string{},
			Payload: []byte(`[]`), StateHash: hash(2), PrevHash: hash(1), Timestamp: time.Now().UTC()},
	}
	journals := []persistence.JournalRow{
		{JournalID: uuid.New(), BatchID: uuid.New(), EventRef: "deposit", Sequence: 0,
			DebitAccount: collAccount, CreditAccount: "external:collateral:COLL",
			Asset: "COLL", Amount: "10", JournalType: "deposit", Timestamp: 1},
		{JournalID: uuid.New(), BatchID: uuid.New(), EventRef: "open_position", Sequence: 1, BatchSequence: 1,
			DebitAccount: "system:active_pool:COLL", CreditAccount: collAccount,
			Asset: "COLL", Amount: "4", JournalType: "lock", Timestamp: 2},
	}

	writer := persistence.NewEventLogWriter(db)
	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, writer.WriteEventBatch(ctx, tx, events))
	require.NoError(t, writer.WriteJournalBatch(ctx, tx, journals))
	require.NoError(t, tx.Commit())
	require.NoError(t, projection.RebuildProjections(ctx, db))

	qs := NewQueryService(db)

	balances, err := qs.AccountBalances(ctx, owner)
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.Equal(t, "6", balances[0].Balance)
	assert.Equal(t, int64(1), balances[0].AsOfSequence)

	history, err := qs.JournalHistory(ctx, owner, 10, nil)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(1), history[0].Sequence)

	before := int64(1)
	history, err = qs.JournalHistory(ctx, owner, 10, &before)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "deposit", history[0].JournalType)

	report, err := qs.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.IsHealthy)
	assert.Equal(t, int64(1), report.LastSequence)
}
