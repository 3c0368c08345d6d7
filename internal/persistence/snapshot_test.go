package persistence_test

import (
	"encoding/json"
	"testing"

	"CDPLedger/internal/persistence"
	"CDPLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotData_RoundTrip(t *testing.T) {
	s := testutil.NewSystem(t, 200)
	a := s.Open(t, "10", "1000")
	b := s.Open(t, "20", "900")
	s.Open(t, "50", "1000")
	s.SetPrice("90")
	_, err := s.Engine.Liquidate(uuid.New(), a)
	require.NoError(t, err)
	s.Engine.TakeOutputs()

	snap := persistence.NewSnapshotData(s.Engine.Export(), s.Treasury.Balances(), s.Treasury.Sequence())
	data, err := json.Marshal(snap)
	require.NoError(t, err)

	var decoded persistence.SnapshotData
	require.NoError(t, json.Unmarshal(data, &decoded))

	st, err := decoded.EngineState()
	require.NoError(t, err)
	balances, err := decoded.TreasuryBalances()
	require.NoError(t, err)
	want := s.Treasury.Balances()
	require.Len(t, balances, len(want))
	for key, amount := range want {
		require.Contains(t, balances, key)
		assert.Equal(t, amount.String(), balances[key].String(), key.AccountPath())
	}

	restored := testutil.NewSystem(t, 90)
	require.NoError(t, restored.Treasury.Restore(balances, decoded.TreasurySequence))
	require.NoError(t, restored.Engine.Restore(st))

	assert.Equal(t, s.Engine.Positions(), restored.Engine.Positions())
	assert.Equal(t, s.Engine.System(), restored.Engine.System())
	assert.Equal(t, s.Engine.RewardSnapshot(b), restored.Engine.RewardSnapshot(b))
	assert.Equal(t, s.Engine.Sequence(), restored.Engine.Sequence())
	restored.RequireConsistent(t)
}

func TestSnapshotData_RejectsMalformed(t *testing.T) {
	s := testutil.NewSystem(t, 200)
	s.Open(t, "10", "1000")

	snap := persistence.NewSnapshotData(s.Engine.Export(), s.Treasury.Balances(), s.Treasury.Sequence())

	bad := *snap
	bad.PrevHash = "zz"
	_, err := bad.EngineState()
	assert.Error(t, err)

	bad = *snap
	bad.Positions = append([]persistence.PositionSnapshot(nil), snap.Positions...)
	bad.Positions[0].Debt = "-1"
	bad.Positions[0].Status = "Frozen"
	_, err = bad.EngineState()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "debt")
	assert.Contains(t, err.Error(), "Frozen")

	bad = *snap
	bad.Balances = append([]persistence.BalanceSnap(nil), snap.Balances...)
	bad.Balances[0].Amount = "1.5"
	_, err = bad.TreasuryBalances()
	assert.Error(t, err)
}
