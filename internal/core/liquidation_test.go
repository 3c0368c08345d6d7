package core_test

import (
	"errors"
	"testing"

	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/pool"
	"CDPLedger/internal/state"
	"CDPLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireAmount(t *testing.T, want string, got *uint256.Int, msgAndArgs ...any) {
	t.Helper()
	require.Equal(t, testutil.Amount(want).Dec(), got.Dec(), msgAndArgs...)
}

func lastEnvelope(t *testing.T, s *testutil.System) *event.Envelope {
	t.Helper()
	outputs := s.Engine.TakeOutputs()
	require.NotEmpty(t, outputs)
	return outputs[len(outputs)-1].Envelope
}

func TestLiquidate_NormalModeFullOffset(t *testing.T) {
	s := testutil.NewSystem(t, 200)
	a := s.Open(t, "10", "1000")
	b := s.Open(t, "100", "5000")
	s.Provide(t, b, "2000")

	s.SetPrice("105")
	liquidator := uuid.New()

	res, err := s.Engine.Liquidate(liquidator, a)
	require.NoError(t, err)

	assert.False(t, res.RecoveryMode)
	assert.Equal(t, []uuid.UUID{a}, res.Liquidated)
	requireAmount(t, "1000", res.DebtOffset)
	requireAmount(t, "9.95", res.CollToPool)
	requireAmount(t, "0", res.DebtRedistributed)
	requireAmount(t, "0", res.CollRedistributed)
	requireAmount(t, "0.05", res.Compensation)
	assert.Equal(t, uuid.Nil, res.Partial)

	p := s.Engine.Position(a)
	assert.Equal(t, state.StatusClosed, p.Status)
	assert.True(t, p.Debt.IsZero())
	assert.False(t, s.Engine.Index().Contains(a))

	requireAmount(t, "0.05", s.Treasury.CollBalanceOf(liquidator))
	requireAmount(t, "1000", s.Treasury.Balance())
	requireAmount(t, "9.95", s.Treasury.StabilityPoolColl())

	sys := s.Engine.System()
	assert.True(t, sys.LColl.IsZero())
	assert.True(t, sys.LDebt.IsZero())
	requireAmount(t, "100", sys.TotalStakes)

	env := lastEnvelope(t, s)
	assert.Equal(t, "liquidate", env.Operation)
	assert.Contains(t, env.Types(), event.EventTypePositionLiquidated)
	assert.Contains(t, env.Types(), event.EventTypeLiquidation)

	s.RequireConsistent(t)
}

func TestLiquidate_RecoveryModeRedistribution(t *testing.T) {
	s := testutil.NewSystem(t, 200)
	a := s.Open(t, "10", "1000")
	b := s.Open(t, "20", "900")

	s.SetPrice("90")
	price, err := s.Engine.Price()
	require.NoError(t, err)
	require.True(t, s.Engine.IsRecoveryMode(price))
	requireAmount(t, "0.9", s.Engine.CurrentICR(a, price))
	requireAmount(t, "2", s.Engine.CurrentICR(b, price))

	res, err := s.Engine.Liquidate(uuid.New(), a)
	require.NoError(t, err)

	assert.True(t, res.RecoveryMode)
	requireAmount(t, "0", res.DebtOffset)
	requireAmount(t, "1000", res.DebtRedistributed)
	requireAmount(t, "9.95", res.CollRedistributed)
	requireAmount(t, "0.05", res.Compensation)
	assert.Equal(t, state.StatusClosed, s.Engine.Position(a).Status)

	sys := s.Engine.System()
	requireAmount(t, "0.4975", sys.LColl)
	requireAmount(t, "50", sys.LDebt)
	requireAmount(t, "1000", sys.DefaultDebt)
	requireAmount(t, "9.95", sys.DefaultColl)
	requireAmount(t, "20", sys.TotalStakesSnapshot)
	requireAmount(t, "29.95", sys.TotalCollateralSnapshot)

	// b carries the whole liquidated position as pending rewards
	entire := s.Engine.EntireDebtAndColl(b)
	requireAmount(t, "1900", entire.Debt)
	requireAmount(t, "29.95", entire.Coll)
	requireAmount(t, "1000", entire.PendingDebt)
	requireAmount(t, "9.95", entire.PendingColl)

	s.RequireConsistent(t)
}

func TestLiquidate_RecoveryModePartialOffset(t *testing.T) {
	s := testutil.NewSystem(t, 200)
	a := s.Open(t, "10", "1000")
	b := s.Open(t, "13", "1000")
	s.Provide(t, b, "400")

	s.SetPrice("115")
	liquidator := uuid.New()

	res, err := s.Engine.LiquidatePositions(liquidator, 10)
	require.NoError(t, err)

	assert.True(t, res.RecoveryMode)
	assert.Equal(t, []uuid.UUID{a}, res.Liquidated)
	assert.Equal(t, a, res.Partial)
	requireAmount(t, "600", res.PartialNewDebt)
	requireAmount(t, "6", res.PartialNewColl)
	requireAmount(t, "400", res.DebtOffset)
	requireAmount(t, "3.98", res.CollToPool)
	requireAmount(t, "0.02", res.Compensation)
	requireAmount(t, "0", res.DebtRedistributed)

	p := s.Engine.Position(a)
	assert.Equal(t, state.StatusActive, p.Status)
	requireAmount(t, "600", &p.Debt)
	requireAmount(t, "6", &p.Coll)
	requireAmount(t, "6", &p.Stake)

	key, ok := s.Engine.Index().Key(a)
	require.True(t, ok)
	requireAmount(t, "1", key)

	sys := s.Engine.System()
	requireAmount(t, "19", sys.TotalStakes)
	requireAmount(t, "13", sys.TotalStakesSnapshot)
	requireAmount(t, "13", sys.TotalCollateralSnapshot)
	requireAmount(t, "0", s.Treasury.Balance())
	requireAmount(t, "3.98", s.Treasury.StabilityPoolColl())
	requireAmount(t, "0.02", s.Treasury.CollBalanceOf(liquidator))

	s.RequireConsistent(t)
}

func TestLiquidate_ModeFlipsMidBatch(t *testing.T) {
	for _, tc := range []struct {
		name string
		run  func(s *testutil.System, ids []uuid.UUID) (*core.LiquidationResult, error)
	}{
		{"sequence", func(s *testutil.System, _ []uuid.UUID) (*core.LiquidationResult, error) {
			return s.Engine.LiquidatePositions(uuid.New(), 10)
		}},
		{"batch", func(s *testutil.System, ids []uuid.UUID) (*core.LiquidationResult, error) {
			return s.Engine.BatchLiquidate(uuid.New(), ids)
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := testutil.NewSystem(t, 200)
			a := s.Open(t, "10.5", "1000")
			c := s.Open(t, "12", "1000")
			b := s.Open(t, "20", "1000")
			s.Provide(t, b, "1000")
			s.Provide(t, c, "500")

			s.SetPrice("100")
			price, err := s.Engine.Price()
			require.NoError(t, err)
			require.True(t, s.Engine.IsRecoveryMode(price))

			res, err := tc.run(s, []uuid.UUID{a, c})
			require.NoError(t, err)

			// After a the system is back above CCR, so c at 120% is left alone
			assert.True(t, res.RecoveryMode)
			assert.Equal(t, []uuid.UUID{a}, res.Liquidated)
			assert.Equal(t, uuid.Nil, res.Partial)
			requireAmount(t, "1000", res.DebtOffset)
			requireAmount(t, "10.4475", res.CollToPool)
			requireAmount(t, "0.0525", res.Compensation)

			assert.False(t, s.Engine.IsRecoveryMode(price))
			cp := s.Engine.Position(c)
			assert.Equal(t, state.StatusActive, cp.Status)
			requireAmount(t, "1000", &cp.Debt)
			requireAmount(t, "500", s.Treasury.Balance())

			s.RequireConsistent(t)
		})
	}
}

func TestLiquidate_NothingToLiquidate(t *testing.T) {
	s := testutil.NewSystem(t, 200)
	a := s.Open(t, "10", "1000")
	b := s.Open(t, "100", "5000")
	before := s.Engine.Sequence()

	_, err := s.Engine.Liquidate(uuid.New(), a)
	assert.ErrorIs(t, err, core.ErrNothingToLiquidate)

	_, err = s.Engine.LiquidatePositions(uuid.New(), 5)
	assert.ErrorIs(t, err, core.ErrNothingToLiquidate)

	_, err = s.Engine.BatchLiquidate(uuid.New(), []uuid.UUID{b, uuid.New()})
	assert.ErrorIs(t, err, core.ErrNothingToLiquidate)

	_, err = s.Engine.BatchLiquidate(uuid.New(), nil)
	assert.ErrorIs(t, err, core.ErrEmptyList)

	_, err = s.Engine.Liquidate(uuid.New(), uuid.New())
	assert.ErrorIs(t, err, core.ErrPositionNotActive)

	assert.Equal(t, before, s.Engine.Sequence())
}

func TestLiquidate_LastPositionIsKept(t *testing.T) {
	s := testutil.NewSystem(t, 200)
	a := s.Open(t, "10", "1000")

	s.SetPrice("100")
	_, err := s.Engine.Liquidate(uuid.New(), a)
	assert.ErrorIs(t, err, core.ErrNothingToLiquidate)
	assert.Equal(t, state.StatusActive, s.Engine.Position(a).Status)
}

func TestBatchLiquidate_SkipsHealthyAndUnknown(t *testing.T) {
	s := testutil.NewSystem(t, 200)
	a := s.Open(t, "10", "1000")
	b := s.Open(t, "100", "5000")
	s.Provide(t, b, "2000")
	s.SetPrice("105")

	res, err := s.Engine.BatchLiquidate(uuid.New(), []uuid.UUID{b, uuid.New(), a})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{a}, res.Liquidated)
	assert.Equal(t, state.StatusActive, s.Engine.Position(b).Status)
	s.RequireConsistent(t)
}

// ============================================================================
// Reentrancy and rollback
// ============================================================================

type reentrantPool struct {
	inner  *pool.Treasury
	engine *core.Engine
	err    error
}

func (p *reentrantPool) Balance() *uint256.Int { return p.inner.Balance() }

func (p *reentrantPool) Offset(debt, coll *uint256.Int) error {
	_, p.err = p.engine.LiquidatePositions(uuid.New(), 1)
	return p.inner.Offset(debt, coll)
}

func TestLiquidate_ReentrantCallRejected(t *testing.T) {
	rp := &reentrantPool{}
	s := testutil.NewSystem(t, 200, testutil.WithAbsorbingPool(func(tr *pool.Treasury) core.AbsorbingPool {
		rp.inner = tr
		return rp
	}))
	rp.engine = s.Engine

	a := s.Open(t, "10", "1000")
	b := s.Open(t, "100", "5000")
	s.Provide(t, b, "2000")
	s.SetPrice("105")

	res, err := s.Engine.Liquidate(uuid.New(), a)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{a}, res.Liquidated)
	assert.ErrorIs(t, rp.err, core.ErrReentrantCall)
	s.RequireConsistent(t)
}

// failingPool books the offset and then reports a failure
type failingPool struct {
	inner *pool.Treasury
}

func (p *failingPool) Balance() *uint256.Int { return p.inner.Balance() }

func (p *failingPool) Offset(debt, coll *uint256.Int) error {
	if err := p.inner.Offset(debt, coll); err != nil {
		return err
	}
	return errors.New("pool offline")
}

func TestLiquidate_SettlementFailureRollsBack(t *testing.T) {
	s := testutil.NewSystem(t, 200, testutil.WithAbsorbingPool(func(tr *pool.Treasury) core.AbsorbingPool {
		return &failingPool{inner: tr}
	}))
	a := s.Open(t, "10", "1000")
	b := s.Open(t, "100", "5000")
	s.Provide(t, b, "2000")
	s.Engine.TakeOutputs()

	s.SetPrice("105")
	before := s.Engine.Position(a)
	seq := s.Engine.Sequence()
	liquidator := uuid.New()

	_, err := s.Engine.Liquidate(liquidator, a)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pool offline")

	after := s.Engine.Position(a)
	assert.Equal(t, before, after)
	assert.True(t, s.Engine.Index().Contains(a))
	assert.Equal(t, seq, s.Engine.Sequence())
	assert.Empty(t, s.Engine.TakeOutputs())

	sys := s.Engine.System()
	assert.True(t, sys.LDebt.IsZero())
	requireAmount(t, "110", sys.TotalStakes)
	requireAmount(t, "2000", s.Treasury.Balance())
	requireAmount(t, "0", s.Treasury.StabilityPoolColl())
	requireAmount(t, "0", s.Treasury.CollBalanceOf(liquidator))
	s.RequireConsistent(t)
}
