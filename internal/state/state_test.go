package state_test

import (
	"math/rand"
	"testing"

	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func units(n uint64) *uint256.Int {
	return fpmath.FromUnits(n)
}

func openPosition(t *testing.T, l *state.Ledger, s *state.Stakes, r *state.Rewards, coll, debt uint64) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, l.SetStatus(id, state.StatusActive))
	l.SetColl(id, units(coll))
	l.SetDebt(id, units(debt))
	s.UpdateStakeAndTotal(id)
	r.UpdateSnapshot(id)
	_, err := l.AddOwner(id)
	require.NoError(t, err)
	return id
}

// ============================================================================
// Test: Status
// ============================================================================

func TestStatus_Transitions(t *testing.T) {
	assert.True(t, state.StatusNonExistent.CanTransitionTo(state.StatusActive))
	assert.True(t, state.StatusActive.CanTransitionTo(state.StatusClosed))
	assert.True(t, state.StatusClosed.CanTransitionTo(state.StatusActive))

	assert.False(t, state.StatusActive.CanTransitionTo(state.StatusNonExistent))
	assert.False(t, state.StatusNonExistent.CanTransitionTo(state.StatusClosed))
	assert.False(t, state.StatusActive.CanTransitionTo(state.StatusActive))
}

func TestStatus_StringRoundTrip(t *testing.T) {
	for _, s := range []state.Status{state.StatusNonExistent, state.StatusActive, state.StatusClosed} {
		got, ok := state.ParseStatus(s.String())
		require.True(t, ok)
		assert.Equal(t, s, got)
	}
}

// ============================================================================
// Test: Ledger owner list
// ============================================================================

func TestLedger_SwapRemoveKeepsIndexes(t *testing.T) {
	l := state.NewLedger(state.NewUndoLog())

	ids := make([]uuid.UUID, 5)
	for i := range ids {
		ids[i] = uuid.New()
		require.NoError(t, l.SetStatus(ids[i], state.StatusActive))
		idx, err := l.AddOwner(ids[i])
		require.NoError(t, err)
		assert.Equal(t, i, idx)
	}

	// Remove from the middle: the last owner moves into slot 1.
	require.NoError(t, l.RemoveOwner(ids[1]))
	assert.Equal(t, 4, l.OwnerCount())
	moved, err := l.OwnerAt(1)
	require.NoError(t, err)
	assert.Equal(t, ids[4], moved)
	assert.Equal(t, 1, l.Position(ids[4]).OwnerIndex)
	assert.False(t, l.IsListed(ids[1]))

	for i := 0; i < l.OwnerCount(); i++ {
		id, err := l.OwnerAt(i)
		require.NoError(t, err)
		assert.Equal(t, i, l.Position(id).OwnerIndex)
	}
}

func TestLedger_AddOwnerRequiresActive(t *testing.T) {
	l := state.NewLedger(state.NewUndoLog())
	_, err := l.AddOwner(uuid.New())
	assert.ErrorIs(t, err, state.ErrNotActive)

	id := uuid.New()
	require.NoError(t, l.SetStatus(id, state.StatusActive))
	_, err = l.AddOwner(id)
	require.NoError(t, err)
	_, err = l.AddOwner(id)
	assert.ErrorIs(t, err, state.ErrAlreadyListed)
}

func TestLedger_RejectsInvalidTransition(t *testing.T) {
	l := state.NewLedger(state.NewUndoLog())
	err := l.SetStatus(uuid.New(), state.StatusClosed)
	assert.ErrorIs(t, err, state.ErrInvalidTransition)
}

func TestLedger_Restore(t *testing.T) {
	l := state.NewLedger(state.NewUndoLog())
	a, b := uuid.New(), uuid.New()
	for _, id := range []uuid.UUID{a, b} {
		require.NoError(t, l.SetStatus(id, state.StatusActive))
		_, err := l.AddOwner(id)
		require.NoError(t, err)
	}

	restored := state.NewLedger(state.NewUndoLog())
	require.NoError(t, restored.Restore(l.Positions()))
	assert.Equal(t, l.Owners(), restored.Owners())
}

// ============================================================================
// Test: UndoLog
// ============================================================================

func TestUndoLog_RollbackRestoresLedgerAndOwners(t *testing.T) {
	undo := state.NewUndoLog()
	l := state.NewLedger(undo)
	s := state.NewStakes(l, undo)
	r := state.NewRewards(undo)

	a := openPosition(t, l, s, r, 10, 1000)
	b := openPosition(t, l, s, r, 20, 1000)
	before := l.Positions()
	totalBefore := s.Total()

	undo.Begin()
	s.Remove(a)
	require.NoError(t, l.RemoveOwner(a))
	require.NoError(t, l.SetStatus(a, state.StatusClosed))
	l.SetColl(b, units(99))
	c := uuid.New()
	require.NoError(t, l.SetStatus(c, state.StatusActive))
	_, err := l.AddOwner(c)
	require.NoError(t, err)
	undo.Rollback()

	assert.Equal(t, before, l.Positions())
	assert.Equal(t, totalBefore, s.Total())
	assert.Equal(t, 2, l.OwnerCount())
	assert.Equal(t, state.StatusNonExistent, l.Status(c))
}

func TestUndoLog_CommitKeepsChanges(t *testing.T) {
	undo := state.NewUndoLog()
	l := state.NewLedger(undo)

	undo.Begin()
	id := uuid.New()
	require.NoError(t, l.SetStatus(id, state.StatusActive))
	assert.Greater(t, undo.Len(), 0)
	undo.Commit()

	assert.Equal(t, 0, undo.Len())
	assert.Equal(t, state.StatusActive, l.Status(id))
}

// ============================================================================
// Test: Stakes
// ============================================================================

func TestStakes_BootstrapEqualsCollateral(t *testing.T) {
	undo := state.NewUndoLog()
	l := state.NewLedger(undo)
	s := state.NewStakes(l, undo)

	assert.Equal(t, units(7), s.ComputeNewStake(units(7)))
}

func TestStakes_UsesSnapshotRatio(t *testing.T) {
	undo := state.NewUndoLog()
	l := state.NewLedger(undo)
	s := state.NewStakes(l, undo)
	r := state.NewRewards(undo)

	openPosition(t, l, s, r, 10, 1000)
	// Total stakes 10, system coll 20 (e.g. after a redistribution)
	s.RefreshSnapshots(units(20), fpmath.Zero)

	assert.Equal(t, units(5), s.ComputeNewStake(units(10)))
}

func TestStakes_ExcludedRemainder(t *testing.T) {
	undo := state.NewUndoLog()
	l := state.NewLedger(undo)
	s := state.NewStakes(l, undo)

	s.RefreshSnapshots(units(30), units(10))
	assert.Equal(t, units(20), s.TotalCollateralSnapshot())
}

func TestStakes_SumMatchesTotalUnderRandomOperations(t *testing.T) {
	undo := state.NewUndoLog()
	l := state.NewLedger(undo)
	s := state.NewStakes(l, undo)
	r := state.NewRewards(undo)
	rng := rand.New(rand.NewSource(42))

	var active []uuid.UUID
	for step := 0; step < 500; step++ {
		switch op := rng.Intn(4); {
		case op == 0 || len(active) == 0:
			active = append(active, openPosition(t, l, s, r, uint64(rng.Intn(100)+1), 1000))
		case op == 1:
			id := active[rng.Intn(len(active))]
			l.SetColl(id, units(uint64(rng.Intn(100)+1)))
			s.UpdateStakeAndTotal(id)
		case op == 2:
			i := rng.Intn(len(active))
			id := active[i]
			s.Remove(id)
			require.NoError(t, l.RemoveOwner(id))
			require.NoError(t, l.SetStatus(id, state.StatusClosed))
			active = append(active[:i], active[i+1:]...)
		default:
			s.RefreshSnapshots(units(uint64(rng.Intn(1000)+1000)), fpmath.Zero)
		}

		sum := new(uint256.Int)
		for _, p := range l.Positions() {
			if p.IsActive() {
				sum.Add(sum, &p.Stake)
			}
		}
		require.Equal(t, s.Total(), sum, "step %d", step)
		require.Equal(t, l.ActiveCount(), l.OwnerCount())
	}
}

// ============================================================================
// Test: Rewards
// ============================================================================

func TestRewards_DistributeCarriesError(t *testing.T) {
	r := state.NewRewards(state.NewUndoLog())

	// 1 wei of coll over 3 units of stake cannot be split evenly
	ok := r.Distribute(uint256.NewInt(1), uint256.NewInt(1), units(3))
	require.True(t, ok)

	st := r.State()
	// numerator = 1e18, increment = 1e18 / 3e18 = 0, error = 1e18
	assert.True(t, st.LColl.IsZero())
	assert.Equal(t, fpmath.DecimalPrecision, &st.LastCollError)

	// Two more wei push the carried numerator to 3e18 -> increment 1, error 0
	require.True(t, r.Distribute(uint256.NewInt(2), uint256.NewInt(2), units(3)))
	st = r.State()
	assert.Equal(t, uint64(1), st.LColl.Uint64())
	assert.True(t, st.LastCollError.IsZero())
}

func TestRewards_DistributeNoopCases(t *testing.T) {
	r := state.NewRewards(state.NewUndoLog())
	assert.False(t, r.Distribute(fpmath.Zero, units(1), units(1)))
	assert.False(t, r.Distribute(units(1), units(1), fpmath.Zero))
	assert.True(t, r.LColl().IsZero())
}

func TestRewards_PendingAndSnapshot(t *testing.T) {
	undo := state.NewUndoLog()
	l := state.NewLedger(undo)
	s := state.NewStakes(l, undo)
	r := state.NewRewards(undo)

	a := openPosition(t, l, s, r, 10, 1000)
	b := openPosition(t, l, s, r, 30, 1000)

	require.True(t, r.Distribute(units(400), units(4), s.Total()))

	pa := l.Position(a)
	pb := l.Position(b)
	assert.True(t, r.HasPending(&pa))

	debtA, collA := r.Pending(&pa)
	debtB, collB := r.Pending(&pb)
	assert.Equal(t, units(100), debtA)
	assert.Equal(t, units(1), collA)
	assert.Equal(t, units(300), debtB)
	assert.Equal(t, units(3), collB)

	r.UpdateSnapshot(a)
	assert.False(t, r.HasPending(&pa))
	debtA, collA = r.Pending(&pa)
	assert.True(t, debtA.IsZero())
	assert.True(t, collA.IsZero())
}

func TestRewards_ConservationWithinStakeError(t *testing.T) {
	undo := state.NewUndoLog()
	l := state.NewLedger(undo)
	s := state.NewStakes(l, undo)
	r := state.NewRewards(undo)

	ids := []uuid.UUID{
		openPosition(t, l, s, r, 3, 100),
		openPosition(t, l, s, r, 7, 100),
		openPosition(t, l, s, r, 11, 100),
	}

	totalDebt := new(uint256.Int)
	totalColl := new(uint256.Int)
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		d := uint256.NewInt(uint64(rng.Int63n(1_000_000_000_000_000_000)) + 1)
		c := uint256.NewInt(uint64(rng.Int63n(1_000_000_000_000_000)) + 1)
		require.True(t, r.Distribute(d, c, s.Total()))
		totalDebt.Add(totalDebt, d)
		totalColl.Add(totalColl, c)
	}

	sumDebt := new(uint256.Int)
	sumColl := new(uint256.Int)
	for _, id := range ids {
		p := l.Position(id)
		d, c := r.Pending(&p)
		sumDebt.Add(sumDebt, d)
		sumColl.Add(sumColl, c)
	}

	require.False(t, sumDebt.Gt(totalDebt))
	require.False(t, sumColl.Gt(totalColl))

	// Truncation loses less than one wei per position per distribution plus
	// the carried remainder, which is below totalStakes / 1e18 wei.
	bound := uint256.NewInt(uint64(len(ids)*50 + 1))
	assert.False(t, new(uint256.Int).Sub(totalDebt, sumDebt).Gt(bound))
	assert.False(t, new(uint256.Int).Sub(totalColl, sumColl).Gt(bound))
}

func TestRewards_ResetSnapshotRollback(t *testing.T) {
	undo := state.NewUndoLog()
	r := state.NewRewards(undo)
	id := uuid.New()

	require.True(t, r.Distribute(units(1), units(1), units(1)))
	r.UpdateSnapshot(id)
	snap := r.Snapshot(id)

	undo.Begin()
	r.ResetSnapshot(id)
	coll := r.Snapshot(id).Coll
	assert.True(t, coll.IsZero())
	undo.Rollback()

	assert.Equal(t, snap, r.Snapshot(id))
}

// ============================================================================
// Test: Params and offset split
// ============================================================================

func TestValidateParams(t *testing.T) {
	require.NoError(t, state.ValidateParams(state.DefaultParams()))

	p := state.DefaultParams()
	p.CCR = fpmath.MustParseAmount("1.05")
	assert.Error(t, state.ValidateParams(p))

	p = state.DefaultParams()
	p.MCR = fpmath.MustParseAmount("1")
	assert.Error(t, state.ValidateParams(p))

	p = state.DefaultParams()
	p.CollGasCompensationDivisor = 0
	assert.Error(t, state.ValidateParams(p))
}

func TestParams_CollGasCompensationCapped(t *testing.T) {
	p := state.DefaultParams()
	assert.Equal(t, fpmath.MustParseAmount("0.05"), p.CollGasCompensation(units(10)))
	assert.Equal(t, units(10), p.CollGasCompensation(units(100_000)))

	p.MaxCollGasCompensation = new(uint256.Int)
	assert.Equal(t, units(500), p.CollGasCompensation(units(100_000)))
}

func TestComputeOffset(t *testing.T) {
	split := state.ComputeOffset(units(1000), units(10), units(400))
	assert.Equal(t, units(400), split.DebtToOffset)
	assert.Equal(t, units(4), split.CollToPool)
	assert.Equal(t, units(600), split.DebtToRedistribute)
	assert.Equal(t, units(6), split.CollToRedistribute)

	full := state.ComputeOffset(units(1000), units(10), units(5000))
	assert.Equal(t, units(1000), full.DebtToOffset)
	assert.True(t, full.DebtToRedistribute.IsZero())

	none := state.ComputeOffset(units(1000), units(10), fpmath.Zero)
	assert.True(t, none.DebtToOffset.IsZero())
	assert.Equal(t, units(10), none.CollToRedistribute)
}
