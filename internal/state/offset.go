package state

import (
	fpmath "CDPLedger/internal/math"

	"github.com/holiman/uint256"
)

// OffsetSplit is how liquidated debt and collateral are divided between the
// absorbing pool and redistribution.
type OffsetSplit struct {
	DebtToOffset       *uint256.Int
	CollToPool         *uint256.Int
	DebtToRedistribute *uint256.Int
	CollToRedistribute *uint256.Int
}

// ComputeCoverage returns how much of debt the pool can cancel and what is left
func ComputeCoverage(poolBalance, debt *uint256.Int) (covered, remaining *uint256.Int) {
	if !poolBalance.Lt(debt) {
		return debt.Clone(), new(uint256.Int)
	}
	return poolBalance.Clone(), fpmath.Sub(debt, poolBalance)
}

// ComputeOffset offsets min(debt, poolBalance) against the pool, with a
// proportional share of coll, and redistributes the rest. coll is expected to
// already exclude the liquidator compensation.
func ComputeOffset(debt, coll, poolBalance *uint256.Int) OffsetSplit {
	if poolBalance.IsZero() || debt.IsZero() {
		return RedistributeAll(debt, coll)
	}

	covered, remaining := ComputeCoverage(poolBalance, debt)
	collToPool := fpmath.MulDiv(coll, covered, debt)

	return OffsetSplit{
		DebtToOffset:       covered,
		CollToPool:         collToPool,
		DebtToRedistribute: remaining,
		CollToRedistribute: fpmath.Sub(coll, collToPool),
	}
}

// RedistributeAll sends everything to redistribution
func RedistributeAll(debt, coll *uint256.Int) OffsetSplit {
	return OffsetSplit{
		DebtToOffset:       new(uint256.Int),
		CollToPool:         new(uint256.Int),
		DebtToRedistribute: debt.Clone(),
		CollToRedistribute: coll.Clone(),
	}
}
