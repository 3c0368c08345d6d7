package core

import (
	"fmt"

	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// applyPendingRewards folds the position's pending rewards into its stored
// amounts and moves the matching reserve from the default to the active pool.
// A position with nothing pending is left untouched.
func (e *Engine) applyPendingRewards(id uuid.UUID) error {
	p := e.ledger.Position(id)
	if p.Status != state.StatusActive {
		return fmt.Errorf("apply pending rewards %s: %w", id, ErrPositionNotActive)
	}
	if !e.rewards.HasPending(&p) {
		return nil
	}

	pendingDebt, pendingColl := e.rewards.Pending(&p)

	e.ledger.SetDebt(id, fpmath.Add(&p.Debt, pendingDebt))
	e.ledger.SetColl(id, fpmath.Add(&p.Coll, pendingColl))
	e.rewards.UpdateSnapshot(id)
	e.touch(id)

	e.logger.Debug().
		Str("owner", id.String()).
		Str("pending_debt", fpmath.FormatAmount(pendingDebt)).
		Str("pending_coll", fpmath.FormatAmount(pendingColl)).
		Msg("pending rewards applied")

	return e.pools.MovePendingRewardsToActive(pendingDebt, pendingColl)
}

// redistribute spreads debt and coll over every remaining stake and parks the
// amounts in the default pool.
func (e *Engine) redistribute(debt, coll *uint256.Int) error {
	if debt.IsZero() {
		return nil
	}

	if !e.rewards.Distribute(debt, coll, e.stakes.Total()) {
		e.logger.Warn().
			Str("debt", fpmath.FormatAmount(debt)).
			Str("coll", fpmath.FormatAmount(coll)).
			Msg("redistribution dropped: no stakes remain")
		return nil
	}

	if e.metrics != nil {
		e.metrics.LiquidatedDebt.WithLabelValues("redistributed").Add(observability.Units(debt))
		e.metrics.LiquidatedColl.WithLabelValues("redistributed").Add(observability.Units(coll))
	}

	return e.pools.Redistribute(debt, coll)
}

// closePosition takes an Active position out of the system: stake removed,
// amounts zeroed, snapshot reset, owner slot and index entry released.
func (e *Engine) closePosition(id uuid.UUID) error {
	if e.ledger.Status(id) != state.StatusActive {
		return fmt.Errorf("close %s: %w", id, ErrPositionNotActive)
	}
	if e.ledger.OwnerCount() <= 1 {
		return ErrLastPosition
	}

	e.stakes.Remove(id)
	if err := e.ledger.SetStatus(id, state.StatusClosed); err != nil {
		return err
	}
	e.ledger.SetDebt(id, fpmath.Zero)
	e.ledger.SetColl(id, fpmath.Zero)
	e.rewards.ResetSnapshot(id)

	if err := e.ledger.RemoveOwner(id); err != nil {
		return err
	}
	if e.index.Contains(id) {
		if err := e.index.Remove(id); err != nil {
			return err
		}
	}

	e.touch(id)
	return nil
}

// reinsert moves id to the slot for its stored amounts
func (e *Engine) reinsert(id uuid.UUID, prevID, nextID uuid.UUID) error {
	nicr := fpmath.ComputeNominalCR(e.ledger.Coll(id), e.ledger.Debt(id))
	if e.index.Contains(id) {
		return e.index.ReInsert(id, nicr, prevID, nextID)
	}
	return e.index.Insert(id, nicr, prevID, nextID)
}
