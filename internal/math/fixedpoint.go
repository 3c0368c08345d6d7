package math

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int32        // Number of decimal places
	Scale            *uint256.Int // 10^DecimalPrecision
}

var (
	// AmountConfig is used for debt, collateral, stake and price (18 decimals)
	AmountConfig = DecimalConfig{DecimalPrecision: 18, Scale: uint256.NewInt(1_000_000_000_000_000_000)}

	// NominalConfig scales the nominal collateral ratio used as the ordered index key
	NominalConfig = DecimalConfig{DecimalPrecision: 20, Scale: uint256.MustFromDecimal("100000000000000000000")}
)

// Callers must never mutate these values.
var (
	DecimalPrecision = AmountConfig.Scale
	NICRPrecision    = NominalConfig.Scale
	MaxUint256       = new(uint256.Int).SetAllOne()
	Zero             = new(uint256.Int)
)

// ErrArithmetic is wrapped by every ArithmeticError.
var ErrArithmetic = errors.New("arithmetic guard")

// ArithmeticError is the panic value raised by the checked helpers below.
// Engines recover it at their call boundary and roll back.
type ArithmeticError struct {
	Op string
	X  string
	Y  string
}

func (e *ArithmeticError) Error() string {
	return fmt.Sprintf("%s: %s(%s, %s)", ErrArithmetic, e.Op, e.X, e.Y)
}

func (e *ArithmeticError) Unwrap() error {
	return ErrArithmetic
}

func guard(op string, x, y *uint256.Int) {
	panic(&ArithmeticError{Op: op, X: x.Dec(), Y: y.Dec()})
}

// Add returns x + y, panicking on overflow
func Add(x, y *uint256.Int) *uint256.Int {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		guard("add", x, y)
	}
	return z
}

// Sub returns x - y, panicking on underflow
func Sub(x, y *uint256.Int) *uint256.Int {
	z, underflow := new(uint256.Int).SubOverflow(x, y)
	if underflow {
		guard("sub", x, y)
	}
	return z
}

// Mul returns x * y, panicking on overflow
func Mul(x, y *uint256.Int) *uint256.Int {
	z, overflow := new(uint256.Int).MulOverflow(x, y)
	if overflow {
		guard("mul", x, y)
	}
	return z
}

// Div returns floor(x / d), panicking on a zero divisor
func Div(x, d *uint256.Int) *uint256.Int {
	if d.IsZero() {
		guard("div", x, d)
	}
	return new(uint256.Int).Div(x, d)
}

// MulDiv returns floor(x * y / d) with a 512-bit intermediate.
// Panics when d is zero or the quotient does not fit in 256 bits.
func MulDiv(x, y, d *uint256.Int) *uint256.Int {
	if d.IsZero() {
		guard("muldiv", x, d)
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		guard("muldiv", x, y)
	}
	return z
}

func Min(x, y *uint256.Int) *uint256.Int {
	if x.Lt(y) {
		return x.Clone()
	}
	return y.Clone()
}

// ComputeCR returns coll * price / debt, or MaxUint256 when debt is zero
func ComputeCR(coll, debt, price *uint256.Int) *uint256.Int {
	if debt.IsZero() {
		return MaxUint256.Clone()
	}
	return MulDiv(coll, price, debt)
}

// ComputeNominalCR returns coll * 1e20 / debt, or MaxUint256 when debt is zero.
// The nominal ratio is price independent and keys the ordered index.
func ComputeNominalCR(coll, debt *uint256.Int) *uint256.Int {
	if debt.IsZero() {
		return MaxUint256.Clone()
	}
	return MulDiv(coll, NICRPrecision, debt)
}

// FromUnits converts whole units to an 18-decimal amount
func FromUnits(units uint64) *uint256.Int {
	return Mul(uint256.NewInt(units), DecimalPrecision)
}

// Format renders a scaled integer as a human decimal string ("1.5")
func (c DecimalConfig) Format(x *uint256.Int) string {
	if x == nil {
		return "0"
	}
	return decimal.NewFromBigInt(x.ToBig(), -c.DecimalPrecision).String()
}

// Parse is the exact inverse of Format. More fractional digits than the
// config carries, negatives and values beyond 256 bits are rejected.
func (c DecimalConfig) Parse(s string) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%q is negative", s)
	}

	scaled := d.Shift(c.DecimalPrecision)
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("%q exceeds %d decimal places", s, c.DecimalPrecision)
	}

	v, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, fmt.Errorf("%q overflows 256 bits", s)
	}
	return v, nil
}

// FormatAmount renders an 18-decimal integer as a human decimal string
func FormatAmount(x *uint256.Int) string {
	return AmountConfig.Format(x)
}

// ParseAmount parses a human decimal string into an 18-decimal integer
func ParseAmount(s string) (*uint256.Int, error) {
	v, err := AmountConfig.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("amount: %w", err)
	}
	return v, nil
}

// FormatNominal renders a nominal ratio ("2" is 200%)
func FormatNominal(x *uint256.Int) string {
	return NominalConfig.Format(x)
}

// ParseNominal parses a ratio rendered by FormatNominal back to the exact
// 20-decimal index key.
func ParseNominal(s string) (*uint256.Int, error) {
	v, err := NominalConfig.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("nominal ratio: %w", err)
	}
	return v, nil
}

// MustParseAmount is ParseAmount for constants and tests
func MustParseAmount(s string) *uint256.Int {
	v, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return v
}
