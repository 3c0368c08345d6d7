package core

import (
	"fmt"

	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/state"

	"github.com/holiman/uint256"
)

// CheckInvariants verifies the position ledger, accumulator, stakes and
// ordered index agree with each other.
func (e *Engine) CheckInvariants() error {
	rs := e.rewards.State()
	stakeSum := new(uint256.Int)
	active := 0

	for _, p := range e.ledger.Positions() {
		snap := e.rewards.Snapshot(p.Owner)
		if snap.Coll.Gt(&rs.LColl) || snap.Debt.Gt(&rs.LDebt) {
			return fmt.Errorf("snapshot of %s exceeds accumulator", p.Owner)
		}

		switch p.Status {
		case state.StatusActive:
			active++
			stakeSum = fpmath.Add(stakeSum, &p.Stake)
			if !e.ledger.IsListed(p.Owner) {
				return fmt.Errorf("active position %s missing from owner list", p.Owner)
			}
			if !e.index.Contains(p.Owner) {
				return fmt.Errorf("active position %s missing from ordered index", p.Owner)
			}
		case state.StatusClosed:
			if !p.Debt.IsZero() || !p.Coll.IsZero() || !p.Stake.IsZero() {
				return fmt.Errorf("closed position %s holds debt, coll or stake", p.Owner)
			}
			if e.index.Contains(p.Owner) {
				return fmt.Errorf("closed position %s still in ordered index", p.Owner)
			}
		}
	}

	if total := e.stakes.Total(); !stakeSum.Eq(total) {
		return fmt.Errorf("stake sum %s != total stakes %s", stakeSum.Dec(), total.Dec())
	}
	if n := e.ledger.OwnerCount(); n != active {
		return fmt.Errorf("owner list length %d != active positions %d", n, active)
	}
	if n := e.index.Len(); n != active {
		return fmt.Errorf("ordered index length %d != active positions %d", n, active)
	}
	return nil
}

// checkMonotonic verifies the accumulators did not move backwards during the call
func (e *Engine) checkMonotonic() error {
	if e.call == nil {
		return nil
	}
	rs := e.rewards.State()
	if rs.LColl.Lt(&e.call.rewards.LColl) {
		return fmt.Errorf("L_Coll decreased from %s to %s", e.call.rewards.LColl.Dec(), rs.LColl.Dec())
	}
	if rs.LDebt.Lt(&e.call.rewards.LDebt) {
		return fmt.Errorf("L_Debt decreased from %s to %s", e.call.rewards.LDebt.Dec(), rs.LDebt.Dec())
	}
	return nil
}
