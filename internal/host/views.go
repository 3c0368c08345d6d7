package host

import (
	"CDPLedger/internal/core"
	"CDPLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// SystemStatus is the global view served to API clients
type SystemStatus struct {
	core.SystemState
	Price                *uint256.Int // nil while the oracle has no price
	TotalCollateralRatio *uint256.Int
	RecoveryMode         bool
	StabilityPoolColl    *uint256.Int
}

// PositionStatus is one account's view: the stored position, its amounts
// with pending rewards applied, and its wallet balances.
type PositionStatus struct {
	Position    state.Position
	Entire      core.EntireDebtAndColl
	NominalICR  *uint256.Int
	ICR         *uint256.Int // nil while the oracle has no price
	InIndex     bool
	StableFunds *uint256.Int
	CollFunds   *uint256.Int
}

func (h *Host) System() SystemStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	st := SystemStatus{
		SystemState:       h.engine.System(),
		StabilityPoolColl: h.treasury.StabilityPoolColl(),
	}
	if price, err := h.engine.Price(); err == nil {
		st.Price = price
		st.TotalCollateralRatio = h.engine.TotalCollateralRatio(price)
		st.RecoveryMode = h.engine.IsRecoveryMode(price)
	}
	return st
}

func (h *Host) Position(id uuid.UUID) PositionStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ps := PositionStatus{
		Position:    h.engine.Position(id),
		Entire:      h.engine.EntireDebtAndColl(id),
		NominalICR:  h.engine.NominalICR(id),
		InIndex:     h.engine.Index().Contains(id),
		StableFunds: h.treasury.BalanceOf(id),
		CollFunds:   h.treasury.CollBalanceOf(id),
	}
	if price, err := h.engine.Price(); err == nil {
		ps.ICR = h.engine.CurrentICR(id, price)
	}
	return ps
}

// RedemptionHints computes hints against the current state. They go stale
// as soon as another call commits.
func (h *Host) RedemptionHints(amount *uint256.Int, maxIterations int) (core.RedemptionHints, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.engine.RedemptionHints(amount, maxIterations)
}
