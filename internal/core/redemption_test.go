package core_test

import (
	"testing"

	"CDPLedger/internal/core"
	"CDPLedger/internal/state"
	"CDPLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedeem_PartialWithValidHint(t *testing.T) {
	s := testutil.NewSystem(t, 200)
	a := s.Open(t, "10", "1000")
	b := s.Open(t, "100", "2000")

	hints, err := s.Engine.RedemptionHints(testutil.Amount("400"), 0)
	require.NoError(t, err)
	assert.Equal(t, a, hints.FirstHint)
	requireAmount(t, "400", hints.TruncatedAmount)
	assert.Equal(t, "1333333333333333333", hints.PartialNICR.Dec())

	res, err := s.Engine.Redeem(core.RedemptionRequest{
		Redeemer:    b,
		Amount:      testutil.Amount("400"),
		FirstHint:   hints.FirstHint,
		UpperHint:   hints.UpperHint,
		LowerHint:   hints.LowerHint,
		PartialNICR: hints.PartialNICR,
	})
	require.NoError(t, err)

	assert.Equal(t, core.StopFullyRedeemed, res.Stopped)
	assert.Equal(t, []uuid.UUID{a}, res.Redeemed)
	requireAmount(t, "400", res.StableRedeemed)
	requireAmount(t, "2", res.CollRedeemed)

	p := s.Engine.Position(a)
	assert.Equal(t, state.StatusActive, p.Status)
	requireAmount(t, "600", &p.Debt)
	requireAmount(t, "8", &p.Coll)
	key, ok := s.Engine.Index().Key(a)
	require.True(t, ok)
	assert.Equal(t, hints.PartialNICR.Dec(), key.Dec())

	requireAmount(t, "1600", s.Treasury.BalanceOf(b))
	requireAmount(t, "2", s.Treasury.CollBalanceOf(b))
	s.RequireConsistent(t)
}

func TestRedeem_StalePartialRatioStopsWalk(t *testing.T) {
	s := testutil.NewSystem(t, 200)
	a := s.Open(t, "10", "1000")
	b := s.Open(t, "100", "2000")
	s.Engine.TakeOutputs()

	hints, err := s.Engine.RedemptionHints(testutil.Amount("400"), 0)
	require.NoError(t, err)

	stale := new(uint256.Int).AddUint64(hints.PartialNICR, 1)
	res, err := s.Engine.Redeem(core.RedemptionRequest{
		Redeemer:    b,
		Amount:      testutil.Amount("400"),
		FirstHint:   hints.FirstHint,
		PartialNICR: stale,
	})
	require.NoError(t, err)

	assert.Equal(t, core.StopStaleHint, res.Stopped)
	assert.Empty(t, res.Redeemed)
	assert.True(t, res.StableRedeemed.IsZero())
	assert.True(t, res.CollRedeemed.IsZero())

	p := s.Engine.Position(a)
	requireAmount(t, "1000", &p.Debt)
	requireAmount(t, "10", &p.Coll)
	requireAmount(t, "2000", s.Treasury.BalanceOf(b))
	s.RequireConsistent(t)
}

func TestRedeem_StaleAfterFullRedemptionKeepsProgress(t *testing.T) {
	s := testutil.NewSystem(t, 200)
	a := s.Open(t, "10", "1000")
	b := s.Open(t, "100", "2000")

	res, err := s.Engine.Redeem(core.RedemptionRequest{
		Redeemer:    b,
		Amount:      testutil.Amount("1500"),
		PartialNICR: testutil.Amount("1"),
	})
	require.NoError(t, err)

	assert.Equal(t, core.StopStaleHint, res.Stopped)
	assert.Equal(t, []uuid.UUID{a}, res.Redeemed)
	requireAmount(t, "1000", res.StableRedeemed)
	requireAmount(t, "5", res.CollRedeemed)

	// Fully redeemed positions stay open at the head of the index
	p := s.Engine.Position(a)
	assert.Equal(t, state.StatusActive, p.Status)
	assert.True(t, p.Debt.IsZero())
	requireAmount(t, "5", &p.Coll)
	assert.Equal(t, a, s.Engine.Index().First())

	pb := s.Engine.Position(b)
	requireAmount(t, "2000", &pb.Debt)
	requireAmount(t, "100", &pb.Coll)

	requireAmount(t, "1000", s.Treasury.BalanceOf(b))
	requireAmount(t, "5", s.Treasury.CollBalanceOf(b))
	s.RequireConsistent(t)
}

func TestRedeem_SkipsPositionsBelowMCR(t *testing.T) {
	s := testutil.NewSystem(t, 200)
	a := s.Open(t, "10", "1000")
	b := s.Open(t, "30", "1000")
	c := s.Open(t, "100", "1000")

	// a drops to 100%, b sits at 300%
	s.SetPrice("100")
	hints, err := s.Engine.RedemptionHints(testutil.Amount("100"), 0)
	require.NoError(t, err)
	assert.Equal(t, b, hints.FirstHint)

	res, err := s.Engine.Redeem(core.RedemptionRequest{
		Redeemer:    c,
		Amount:      testutil.Amount("100"),
		FirstHint:   a,
		PartialNICR: hints.PartialNICR,
	})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{b}, res.Redeemed)
	requireAmount(t, "1", res.CollRedeemed)

	pa := s.Engine.Position(a)
	requireAmount(t, "1000", &pa.Debt)
	s.RequireConsistent(t)
}

func TestRedeem_MaxIterations(t *testing.T) {
	s := testutil.NewSystem(t, 200)
	a := s.Open(t, "10", "1000")
	b := s.Open(t, "20", "1000")
	c := s.Open(t, "100", "3000")

	res, err := s.Engine.Redeem(core.RedemptionRequest{
		Redeemer:      c,
		Amount:        testutil.Amount("1500"),
		MaxIterations: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, core.StopMaxIterations, res.Stopped)
	assert.Equal(t, []uuid.UUID{a}, res.Redeemed)
	requireAmount(t, "1000", res.StableRedeemed)

	pb := s.Engine.Position(b)
	requireAmount(t, "1000", &pb.Debt)
	s.RequireConsistent(t)
}

func TestRedeem_Preconditions(t *testing.T) {
	s := testutil.NewSystem(t, 200)
	s.Open(t, "10", "1000")
	b := s.Open(t, "100", "2000")

	_, err := s.Engine.Redeem(core.RedemptionRequest{Redeemer: b, Amount: new(uint256.Int)})
	assert.ErrorIs(t, err, core.ErrZeroAmount)

	_, err = s.Engine.Redeem(core.RedemptionRequest{Redeemer: b, Amount: testutil.Amount("2001")})
	assert.ErrorIs(t, err, core.ErrInsufficientStable)

	// TCR = 110 * 20 / 3000
	s.SetPrice("20")
	_, err = s.Engine.Redeem(core.RedemptionRequest{Redeemer: b, Amount: testutil.Amount("10")})
	assert.ErrorIs(t, err, core.ErrTCRBelowMCR)
}
