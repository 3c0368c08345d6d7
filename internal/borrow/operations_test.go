package borrow_test

import (
	"testing"

	"CDPLedger/internal/borrow"
	"CDPLedger/internal/core"
	"CDPLedger/internal/state"
	"CDPLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenPosition(t *testing.T) {
	s := testutil.NewSystem(t, 200)
	owner := uuid.New()
	require.NoError(t, s.Borrow.Deposit(owner, testutil.Units(15)))
	require.NoError(t, s.Borrow.OpenPosition(owner, testutil.Units(10), testutil.Units(1000), borrow.Hints{}))

	p := s.Engine.Position(owner)
	assert.Equal(t, state.StatusActive, p.Status)
	assert.Equal(t, testutil.Units(10).Dec(), p.Coll.Dec())
	assert.Equal(t, testutil.Units(1000).Dec(), p.Debt.Dec())
	assert.Equal(t, testutil.Units(10).Dec(), p.Stake.Dec())
	assert.True(t, s.Engine.Index().Contains(owner))

	assert.Equal(t, testutil.Units(1000).Dec(), s.Treasury.BalanceOf(owner).Dec())
	assert.Equal(t, testutil.Units(5).Dec(), s.Treasury.CollBalanceOf(owner).Dec())
	s.RequireConsistent(t)

	err := s.Borrow.OpenPosition(owner, testutil.Units(1), testutil.Units(10), borrow.Hints{})
	assert.ErrorIs(t, err, borrow.ErrPositionExists)
}

func TestOpenPosition_Rejections(t *testing.T) {
	s := testutil.NewSystem(t, 200)
	owner := uuid.New()
	require.NoError(t, s.Borrow.Deposit(owner, testutil.Units(100)))

	assert.ErrorIs(t, s.Borrow.OpenPosition(owner, testutil.Units(0), testutil.Units(1), borrow.Hints{}), borrow.ErrZeroColl)
	assert.ErrorIs(t, s.Borrow.OpenPosition(owner, testutil.Units(1), nil, borrow.Hints{}), borrow.ErrZeroDebt)

	// 5 * 200 / 1000 = 100%
	err := s.Borrow.OpenPosition(owner, testutil.Units(5), testutil.Units(1000), borrow.Hints{})
	assert.ErrorIs(t, err, borrow.ErrICRBelowMCR)

	// 120% is above MCR but would leave the system below CCR
	err = s.Borrow.OpenPosition(owner, testutil.Units(6), testutil.Units(1000), borrow.Hints{})
	assert.ErrorIs(t, err, borrow.ErrTCRBelowCCR)

	// Not enough collateral in the wallet
	err = s.Borrow.OpenPosition(owner, testutil.Units(200), testutil.Units(1000), borrow.Hints{})
	require.Error(t, err)

	assert.Equal(t, state.StatusNonExistent, s.Engine.Position(owner).Status)
	assert.Equal(t, 0, s.Engine.Index().Len())
	s.RequireConsistent(t)
}

func TestOpenPosition_RecoveryModeNeedsCCR(t *testing.T) {
	s := testutil.NewSystem(t, 200)
	s.Open(t, "10", "1000")
	s.Open(t, "12", "1000")
	s.SetPrice("110")

	owner := uuid.New()
	require.NoError(t, s.Borrow.Deposit(owner, testutil.Units(20)))

	// 14 * 110 / 1000 = 154%
	err := s.Borrow.OpenPosition(owner, testutil.Units(13), testutil.Units(1000), borrow.Hints{})
	assert.ErrorIs(t, err, borrow.ErrICRBelowCCR)
	require.NoError(t, s.Borrow.OpenPosition(owner, testutil.Units(14), testutil.Units(1000), borrow.Hints{}))
	s.RequireConsistent(t)
}

func TestAdjustPosition(t *testing.T) {
	s := testutil.NewSystem(t, 200)
	owner := s.Open(t, "10", "1000")
	s.Open(t, "100", "1000")
	require.NoError(t, s.Borrow.Deposit(owner, testutil.Units(5)))

	require.NoError(t, s.Borrow.AdjustPosition(owner, borrow.Adjustment{
		CollIncrease: testutil.Units(5),
		DebtIncrease: testutil.Units(500),
	}, borrow.Hints{}))

	p := s.Engine.Position(owner)
	assert.Equal(t, testutil.Units(15).Dec(), p.Coll.Dec())
	assert.Equal(t, testutil.Units(1500).Dec(), p.Debt.Dec())
	assert.Equal(t, testutil.Units(15).Dec(), p.Stake.Dec())
	assert.Equal(t, testutil.Units(1500).Dec(), s.Treasury.BalanceOf(owner).Dec())

	require.NoError(t, s.Borrow.AdjustPosition(owner, borrow.Adjustment{
		CollDecrease: testutil.Units(3),
		DebtDecrease: testutil.Units(300),
	}, borrow.Hints{}))
	p = s.Engine.Position(owner)
	assert.Equal(t, testutil.Units(12).Dec(), p.Coll.Dec())
	assert.Equal(t, testutil.Units(1200).Dec(), p.Debt.Dec())
	assert.Equal(t, testutil.Units(3).Dec(), s.Treasury.CollBalanceOf(owner).Dec())

	key, ok := s.Engine.Index().Key(owner)
	require.True(t, ok)
	assert.Equal(t, s.Engine.NominalICR(owner).Dec(), key.Dec())
	s.RequireConsistent(t)
}

func TestAdjustPosition_Rejections(t *testing.T) {
	s := testutil.NewSystem(t, 200)
	owner := s.Open(t, "10", "1000")
	s.Open(t, "100", "1000")

	assert.ErrorIs(t, s.Borrow.AdjustPosition(owner, borrow.Adjustment{}, borrow.Hints{}), borrow.ErrNoAdjustment)
	assert.ErrorIs(t, s.Borrow.AdjustPosition(owner, borrow.Adjustment{
		CollIncrease: testutil.Units(1),
		CollDecrease: testutil.Units(1),
	}, borrow.Hints{}), borrow.ErrConflictingAdjustment)
	assert.ErrorIs(t, s.Borrow.AdjustPosition(owner, borrow.Adjustment{
		DebtDecrease: testutil.Units(1000),
	}, borrow.Hints{}), borrow.ErrZeroDebt)
	assert.ErrorIs(t, s.Borrow.AdjustPosition(owner, borrow.Adjustment{
		CollDecrease: testutil.Units(9),
	}, borrow.Hints{}), borrow.ErrICRBelowMCR)
	assert.ErrorIs(t, s.Borrow.AdjustPosition(uuid.New(), borrow.Adjustment{
		CollIncrease: testutil.Units(1),
	}, borrow.Hints{}), core.ErrPositionNotActive)

	p := s.Engine.Position(owner)
	assert.Equal(t, testutil.Units(10).Dec(), p.Coll.Dec())
	s.RequireConsistent(t)
}

func TestAdjustPosition_AfterFullRedemption(t *testing.T) {
	s := testutil.NewSystem(t, 200)
	a := s.Open(t, "10", "1000")
	b := s.Open(t, "100", "2000")

	res, err := s.Engine.Redeem(core.RedemptionRequest{Redeemer: b, Amount: testutil.Units(1000)})
	require.NoError(t, err)
	require.Equal(t, core.StopFullyRedeemed, res.Stopped)
	debt := s.Engine.Position(a).Debt
	require.True(t, debt.IsZero())

	require.NoError(t, s.Borrow.Deposit(a, testutil.Units(2)))
	require.NoError(t, s.Borrow.AdjustPosition(a, borrow.Adjustment{CollIncrease: testutil.Units(2)}, borrow.Hints{}))
	p := s.Engine.Position(a)
	assert.Equal(t, testutil.Units(7).Dec(), p.Coll.Dec())
	assert.True(t, p.Debt.IsZero())
	assert.Equal(t, a, s.Engine.Index().First())

	assert.ErrorIs(t, s.Borrow.AdjustPosition(a, borrow.Adjustment{CollDecrease: testutil.Units(7)}, borrow.Hints{}), borrow.ErrZeroColl)

	require.NoError(t, s.Borrow.AdjustPosition(a, borrow.Adjustment{
		CollDecrease: testutil.Units(1),
		DebtIncrease: testutil.Units(100),
	}, borrow.Hints{}))
	p = s.Engine.Position(a)
	assert.Equal(t, testutil.Units(6).Dec(), p.Coll.Dec())
	assert.Equal(t, testutil.Units(100).Dec(), p.Debt.Dec())
	assert.Equal(t, testutil.Units(1100).Dec(), s.Treasury.BalanceOf(a).Dec())
	assert.Equal(t, testutil.Units(1).Dec(), s.Treasury.CollBalanceOf(a).Dec())
	s.RequireConsistent(t)
}

func TestAdjustPosition_RecoveryMode(t *testing.T) {
	s := testutil.NewSystem(t, 200)
	owner := s.Open(t, "10", "1000")
	s.Open(t, "12", "1000")
	s.SetPrice("110")

	err := s.Borrow.AdjustPosition(owner, borrow.Adjustment{CollDecrease: testutil.Units(1)}, borrow.Hints{})
	assert.ErrorIs(t, err, borrow.ErrCollWithdrawRecovery)

	// Repaying is always allowed
	require.NoError(t, s.Borrow.AdjustPosition(owner, borrow.Adjustment{DebtDecrease: testutil.Units(100)}, borrow.Hints{}))
	s.RequireConsistent(t)
}

func TestClosePosition(t *testing.T) {
	s := testutil.NewSystem(t, 200)
	owner := s.Open(t, "10", "1000")
	other := s.Open(t, "100", "1000")

	require.NoError(t, s.Borrow.ClosePosition(owner))

	p := s.Engine.Position(owner)
	assert.Equal(t, state.StatusClosed, p.Status)
	assert.True(t, p.Debt.IsZero())
	assert.True(t, p.Stake.IsZero())
	assert.False(t, s.Engine.Index().Contains(owner))
	assert.True(t, s.Treasury.BalanceOf(owner).IsZero())
	assert.Equal(t, testutil.Units(10).Dec(), s.Treasury.CollBalanceOf(owner).Dec())
	assert.Equal(t, testutil.Units(100).Dec(), s.Engine.System().TotalStakes.Dec())
	s.RequireConsistent(t)

	assert.ErrorIs(t, s.Borrow.ClosePosition(other), core.ErrLastPosition)

	// A closed position can be opened again
	require.NoError(t, s.Borrow.Withdraw(owner, testutil.Units(10)))
	require.NoError(t, s.Borrow.Deposit(owner, testutil.Units(20)))
	require.NoError(t, s.Borrow.OpenPosition(owner, testutil.Units(20), testutil.Units(1000), borrow.Hints{}))
	assert.Equal(t, state.StatusActive, s.Engine.Position(owner).Status)
	s.RequireConsistent(t)
}

func TestClosePosition_NeedsStableForDebt(t *testing.T) {
	s := testutil.NewSystem(t, 200)
	owner := s.Open(t, "10", "1000")
	other := s.Open(t, "100", "1000")
	s.Provide(t, owner, "1")

	err := s.Borrow.ClosePosition(owner)
	require.Error(t, err)
	assert.Equal(t, state.StatusActive, s.Engine.Position(owner).Status)
	assert.True(t, s.Engine.Index().Contains(other))
	s.RequireConsistent(t)
}

func TestClosePosition_RefusedInRecoveryMode(t *testing.T) {
	s := testutil.NewSystem(t, 200)
	owner := s.Open(t, "10", "1000")
	s.Open(t, "12", "1000")
	s.SetPrice("110")

	assert.ErrorIs(t, s.Borrow.ClosePosition(owner), borrow.ErrCloseInRecoveryMode)
}

func TestWalletOperationsProduceOutputs(t *testing.T) {
	s := testutil.NewSystem(t, 200)
	owner := s.Open(t, "10", "1000")
	s.Engine.TakeOutputs()

	s.Provide(t, owner, "250")
	require.NoError(t, s.Borrow.Deposit(owner, testutil.Units(1)))
	require.NoError(t, s.Borrow.Withdraw(owner, testutil.Units(1)))

	outputs := s.Engine.TakeOutputs()
	require.Len(t, outputs, 3)
	assert.Equal(t, "provide_to_stability_pool", outputs[0].Envelope.Operation)
	for _, out := range outputs {
		assert.Len(t, out.Batches, 1)
	}
	assert.Equal(t, testutil.Units(250).Dec(), s.Treasury.Balance().Dec())

	assert.ErrorIs(t, s.Borrow.ProvideToStabilityPool(owner, nil), core.ErrZeroAmount)
	assert.ErrorIs(t, s.Borrow.Withdraw(owner, testutil.Units(0)), borrow.ErrZeroColl)
}
