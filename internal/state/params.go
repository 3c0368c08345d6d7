package state

import (
	"fmt"

	fpmath "CDPLedger/internal/math"

	"github.com/holiman/uint256"
)

// Params are the protocol thresholds, 18-decimal fixed point
type Params struct {
	MCR                        *uint256.Int // Minimum individual collateral ratio
	CCR                        *uint256.Int // Critical system collateral ratio (recovery mode below)
	CollGasCompensationDivisor uint64       // Liquidator gets coll / divisor
	MaxCollGasCompensation     *uint256.Int // Cap on the liquidator share, zero means uncapped
}

// DefaultParams: MCR 110%, CCR 150%, 0.5% compensation capped at 10 units
func DefaultParams() Params {
	return Params{
		MCR:                        fpmath.MustParseAmount("1.1"),
		CCR:                        fpmath.MustParseAmount("1.5"),
		CollGasCompensationDivisor: 200,
		MaxCollGasCompensation:     fpmath.FromUnits(10),
	}
}

// ValidateParams checks 1 < MCR < CCR and a usable compensation divisor
func ValidateParams(p Params) error {
	if p.MCR == nil || p.CCR == nil || p.MaxCollGasCompensation == nil {
		return fmt.Errorf("mcr, ccr and max_coll_gas_compensation are required")
	}
	if !p.MCR.Gt(fpmath.DecimalPrecision) {
		return fmt.Errorf("mcr must be > 1.0, got %s", fpmath.FormatAmount(p.MCR))
	}
	if !p.CCR.Gt(p.MCR) {
		return fmt.Errorf("ccr (%s) must be > mcr (%s)", fpmath.FormatAmount(p.CCR), fpmath.FormatAmount(p.MCR))
	}
	if p.CollGasCompensationDivisor == 0 {
		return fmt.Errorf("coll_gas_compensation_divisor must be > 0")
	}
	return nil
}

// Clone returns a deep copy
func (p Params) Clone() Params {
	return Params{
		MCR:                        p.MCR.Clone(),
		CCR:                        p.CCR.Clone(),
		CollGasCompensationDivisor: p.CollGasCompensationDivisor,
		MaxCollGasCompensation:     p.MaxCollGasCompensation.Clone(),
	}
}

// CollGasCompensation is the liquidator share of coll
func (p Params) CollGasCompensation(coll *uint256.Int) *uint256.Int {
	comp := fpmath.Div(coll, uint256.NewInt(p.CollGasCompensationDivisor))
	if !p.MaxCollGasCompensation.IsZero() && comp.Gt(p.MaxCollGasCompensation) {
		return p.MaxCollGasCompensation.Clone()
	}
	return comp
}
