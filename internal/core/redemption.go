package core

import (
	"fmt"

	"CDPLedger/internal/event"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// StopReason says why a redemption walk ended
type StopReason string

const (
	StopFullyRedeemed StopReason = "fully_redeemed"
	StopStaleHint     StopReason = "stale_hint"
	StopMaxIterations StopReason = "max_iterations"
	StopExhausted     StopReason = "no_more_positions"
)

// RedemptionRequest exchanges Amount stable for collateral. FirstHint is the
// expected first position; PartialNICR is the ratio the last, partially
// redeemed position is expected to end at, with UpperHint and LowerHint its
// new neighbours. MaxIterations of zero means unbounded.
type RedemptionRequest struct {
	Redeemer      uuid.UUID
	Amount        *uint256.Int
	FirstHint     uuid.UUID
	UpperHint     uuid.UUID
	LowerHint     uuid.UUID
	PartialNICR   *uint256.Int
	MaxIterations int
}

type RedemptionResult struct {
	Price          *uint256.Int
	Requested      *uint256.Int
	StableRedeemed *uint256.Int
	CollRedeemed   *uint256.Int
	Redeemed       []uuid.UUID
	Stopped        StopReason
}

// RedemptionHints is what a caller needs to build a RedemptionRequest
type RedemptionHints struct {
	FirstHint   uuid.UUID
	PartialNICR *uint256.Int
	// TruncatedAmount is the part of the requested amount that can be redeemed
	TruncatedAmount *uint256.Int
	UpperHint       uuid.UUID
	LowerHint       uuid.UUID
}

// Redeem walks positions from the worst ratio at or above MCR toward better
// ones, paying down debt 1:1 for collateral at the oracle price. A stale
// partial ratio ends the walk early and keeps what was redeemed so far.
func (e *Engine) Redeem(req RedemptionRequest) (*RedemptionResult, error) {
	var result *RedemptionResult
	err := e.execute("redeem", req.Redeemer, func() error {
		var err error
		result, err = e.redeem(req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) redeem(req RedemptionRequest) (*RedemptionResult, error) {
	// Step 1: Preconditions
	if req.Amount == nil || req.Amount.IsZero() {
		return nil, ErrZeroAmount
	}
	if balance := e.token.BalanceOf(req.Redeemer); balance.Lt(req.Amount) {
		return nil, fmt.Errorf("%w: have %s, want %s", ErrInsufficientStable,
			fpmath.FormatAmount(balance), fpmath.FormatAmount(req.Amount))
	}
	price, err := e.price()
	if err != nil {
		return nil, err
	}
	if tcr := e.totalCollateralRatio(price); tcr.Lt(e.params.MCR) {
		return nil, fmt.Errorf("%w: %s", ErrTCRBelowMCR, fpmath.FormatAmount(tcr))
	}

	result := &RedemptionResult{
		Price:          price.Clone(),
		Requested:      req.Amount.Clone(),
		StableRedeemed: new(uint256.Int),
		CollRedeemed:   new(uint256.Int),
		Stopped:        StopExhausted,
	}

	// Step 2: Starting position
	cur := req.FirstHint
	if !e.validFirstHint(cur, price) {
		cur = e.index.Last()
		for cur != uuid.Nil && e.CurrentICR(cur, price).Lt(e.params.MCR) {
			cur = e.index.Prev(cur)
		}
	}

	// Step 3: Walk toward better ratios
	remaining := req.Amount.Clone()
	iterations := req.MaxIterations
	for cur != uuid.Nil && !remaining.IsZero() {
		if req.MaxIterations > 0 {
			if iterations == 0 {
				result.Stopped = StopMaxIterations
				break
			}
			iterations--
		}

		next := e.index.Prev(cur)
		if err := e.applyPendingRewards(cur); err != nil {
			return nil, err
		}

		stable, coll, stale, err := e.redeemFrom(cur, remaining, price, req)
		if err != nil {
			return nil, err
		}
		if stale {
			result.Stopped = StopStaleHint
			e.logger.Warn().
				Str("owner", cur.String()).
				Str("redeemed", fpmath.FormatAmount(result.StableRedeemed)).
				Msg("redemption stopped at stale partial ratio")
			break
		}

		if !stable.IsZero() {
			result.StableRedeemed = fpmath.Add(result.StableRedeemed, stable)
			result.CollRedeemed = fpmath.Add(result.CollRedeemed, coll)
			result.Redeemed = append(result.Redeemed, cur)
			remaining = fpmath.Sub(remaining, stable)
		}
		cur = next
	}
	if remaining.IsZero() {
		result.Stopped = StopFullyRedeemed
	}

	// Step 4: Settle once
	if !result.StableRedeemed.IsZero() {
		if err := e.pools.RedeemCollateral(req.Redeemer, result.StableRedeemed, result.CollRedeemed); err != nil {
			return nil, fmt.Errorf("redeem collateral: %w", err)
		}
	}

	e.record(&event.Redemption{
		Redeemer:  req.Redeemer,
		Price:     price.Clone(),
		Requested: req.Amount.Clone(),
		Stable:    result.StableRedeemed.Clone(),
		Coll:      result.CollRedeemed.Clone(),
		Stopped:   string(result.Stopped),
	})

	if e.metrics != nil {
		e.metrics.Redemptions.WithLabelValues(string(result.Stopped)).Inc()
		e.metrics.RedeemedStable.Add(observability.Units(result.StableRedeemed))
		e.metrics.RedeemedColl.Add(observability.Units(result.CollRedeemed))
	}

	e.logger.Info().
		Str("redeemer", req.Redeemer.String()).
		Str("requested", fpmath.FormatAmount(req.Amount)).
		Str("stable", fpmath.FormatAmount(result.StableRedeemed)).
		Str("coll", fpmath.FormatAmount(result.CollRedeemed)).
		Int("positions", len(result.Redeemed)).
		Str("stopped", string(result.Stopped)).
		Msg("redemption settled")

	e.observeSystem(price)
	return result, nil
}

// validFirstHint: the hint is Active in the index, at or above MCR, and the
// next position toward worse ratios is either absent or below MCR.
func (e *Engine) validFirstHint(hint uuid.UUID, price *uint256.Int) bool {
	if hint == uuid.Nil || !e.index.Contains(hint) || e.ledger.Status(hint) != state.StatusActive {
		return false
	}
	if e.CurrentICR(hint, price).Lt(e.params.MCR) {
		return false
	}
	next := e.index.Next(hint)
	return next == uuid.Nil || e.CurrentICR(next, price).Lt(e.params.MCR)
}

// redeemFrom redeems up to remaining from one position whose pending rewards
// are already applied. stale is true when the resulting ratio differs from
// the request's PartialNICR; nothing is changed in that case.
func (e *Engine) redeemFrom(id uuid.UUID, remaining, price *uint256.Int, req RedemptionRequest) (stable, coll *uint256.Int, stale bool, err error) {
	debt := e.ledger.Debt(id)
	stable = fpmath.Min(remaining, debt)
	if stable.IsZero() {
		return stable, new(uint256.Int), false, nil
	}
	coll = fpmath.MulDiv(stable, fpmath.DecimalPrecision, price)

	newDebt := fpmath.Sub(debt, stable)
	newColl := fpmath.Sub(e.ledger.Coll(id), coll)

	if newDebt.IsZero() {
		e.ledger.SetDebt(id, newDebt)
		e.ledger.SetColl(id, newColl)
		if err := e.index.ReInsert(id, fpmath.MaxUint256, uuid.Nil, uuid.Nil); err != nil {
			return nil, nil, false, fmt.Errorf("reinsert %s at head: %w", id, err)
		}
	} else {
		nicr := fpmath.ComputeNominalCR(newColl, newDebt)
		if req.PartialNICR == nil || !nicr.Eq(req.PartialNICR) {
			return new(uint256.Int), new(uint256.Int), true, nil
		}
		e.ledger.SetDebt(id, newDebt)
		e.ledger.SetColl(id, newColl)
		if err := e.index.ReInsert(id, nicr, req.UpperHint, req.LowerHint); err != nil {
			return nil, nil, false, fmt.Errorf("reinsert %s: %w", id, err)
		}
	}

	e.stakes.UpdateStakeAndTotal(id)
	e.touch(id)

	e.record(&event.PositionRedeemed{
		Owner:   id,
		Stable:  stable.Clone(),
		Coll:    coll.Clone(),
		NewDebt: newDebt,
		NewColl: newColl,
	})

	e.logger.Debug().
		Str("owner", id.String()).
		Str("stable", fpmath.FormatAmount(stable)).
		Str("coll", fpmath.FormatAmount(coll)).
		Msg("position redeemed")

	return stable, coll, false, nil
}

// GetRedemptionHints simulates a redemption of amount at price without
// changing state. It returns the first position to redeem from, the ratio the
// last position would end at, the neighbours for that ratio and the amount
// that can actually be redeemed.
func (e *Engine) GetRedemptionHints(amount, price *uint256.Int, maxIterations int) RedemptionHints {
	hints := RedemptionHints{
		PartialNICR:     new(uint256.Int),
		TruncatedAmount: new(uint256.Int),
	}
	if amount == nil || amount.IsZero() || price == nil || price.IsZero() {
		return hints
	}

	cur := e.index.Last()
	for cur != uuid.Nil && e.CurrentICR(cur, price).Lt(e.params.MCR) {
		cur = e.index.Prev(cur)
	}
	hints.FirstHint = cur

	remaining := amount.Clone()
	for i := 0; cur != uuid.Nil && !remaining.IsZero(); i++ {
		if maxIterations > 0 && i >= maxIterations {
			break
		}
		entire := e.EntireDebtAndColl(cur)
		if entire.Debt.Gt(remaining) {
			collLot := fpmath.MulDiv(remaining, fpmath.DecimalPrecision, price)
			newColl := fpmath.Sub(entire.Coll, collLot)
			newDebt := fpmath.Sub(entire.Debt, remaining)
			hints.PartialNICR = fpmath.ComputeNominalCR(newColl, newDebt)
			hints.UpperHint, hints.LowerHint = e.index.FindInsertPosition(hints.PartialNICR, uuid.Nil, uuid.Nil)
			remaining = new(uint256.Int)
			break
		}
		remaining = fpmath.Sub(remaining, entire.Debt)
		cur = e.index.Prev(cur)
	}

	hints.TruncatedAmount = fpmath.Sub(amount, remaining)
	return hints
}

// RedemptionHints prices the simulation with the oracle
func (e *Engine) RedemptionHints(amount *uint256.Int, maxIterations int) (RedemptionHints, error) {
	price, err := e.price()
	if err != nil {
		return RedemptionHints{}, err
	}
	return e.GetRedemptionHints(amount, price, maxIterations), nil
}
