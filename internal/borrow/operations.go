// Package borrow is the reference privileged caller: it opens, adjusts and
// closes positions through the engine's privileged surface and moves the
// matching funds in the treasury inside the same call.
package borrow

import (
	"errors"
	"fmt"

	"CDPLedger/internal/core"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/pool"
	"CDPLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

var (
	ErrPositionExists        = errors.New("borrow: position is already active")
	ErrZeroColl              = errors.New("borrow: collateral must be positive")
	ErrZeroDebt              = errors.New("borrow: debt must be positive")
	ErrICRBelowMCR           = errors.New("borrow: position ratio below MCR")
	ErrICRBelowCCR           = errors.New("borrow: position ratio below CCR in recovery mode")
	ErrTCRBelowCCR           = errors.New("borrow: operation would put the system in recovery mode")
	ErrCollWithdrawRecovery  = errors.New("borrow: collateral withdrawal not allowed in recovery mode")
	ErrICRDecreasedRecovery  = errors.New("borrow: adjustment would lower the position ratio in recovery mode")
	ErrCloseInRecoveryMode   = errors.New("borrow: positions cannot be closed in recovery mode")
	ErrNoAdjustment          = errors.New("borrow: adjustment changes nothing")
	ErrConflictingAdjustment = errors.New("borrow: collateral or debt both increased and decreased")
)

// Hints are the expected neighbours of the position's new slot in the
// ordered index. Zero values are allowed.
type Hints struct {
	Upper uuid.UUID
	Lower uuid.UUID
}

// Adjustment changes a position's collateral and debt. At most one side of
// each pair may be set.
type Adjustment struct {
	CollIncrease *uint256.Int
	CollDecrease *uint256.Int
	DebtIncrease *uint256.Int
	DebtDecrease *uint256.Int
}

// Operations is not safe for concurrent use; the host serialises callers.
type Operations struct {
	engine   *core.Engine
	treasury *pool.Treasury
	logger   zerolog.Logger
}

func NewOperations(engine *core.Engine, treasury *pool.Treasury) *Operations {
	return &Operations{
		engine:   engine,
		treasury: treasury,
		logger:   observability.NewLogger("borrow"),
	}
}

// OpenPosition locks coll from the owner's wallet, mints debt to it and
// lists the new position.
func (o *Operations) OpenPosition(owner uuid.UUID, coll, debt *uint256.Int, hints Hints) error {
	if isZero(coll) {
		return ErrZeroColl
	}
	if isZero(debt) {
		return ErrZeroDebt
	}

	return o.engine.Atomic(o.engine.Operator(), "open_position", func(tx *core.Tx) error {
		e := tx.Engine()
		if e.Position(owner).Status == state.StatusActive {
			return fmt.Errorf("open %s: %w", owner, ErrPositionExists)
		}
		price, err := e.Price()
		if err != nil {
			return err
		}
		params := e.Params()

		icr := fpmath.ComputeCR(coll, debt, price)
		if e.IsRecoveryMode(price) {
			if icr.Lt(params.CCR) {
				return fmt.Errorf("%w: %s", ErrICRBelowCCR, fpmath.FormatAmount(icr))
			}
		} else {
			if icr.Lt(params.MCR) {
				return fmt.Errorf("%w: %s", ErrICRBelowMCR, fpmath.FormatAmount(icr))
			}
			if tcr := newTCR(e, price, coll, true, debt, true); tcr.Lt(params.CCR) {
				return fmt.Errorf("%w: %s", ErrTCRBelowCCR, fpmath.FormatAmount(tcr))
			}
		}

		if err := tx.SetStatus(owner, state.StatusActive); err != nil {
			return err
		}
		tx.SetColl(owner, coll)
		tx.SetDebt(owner, debt)
		tx.RefreshRewardSnapshot(owner)
		tx.UpdateStakeAndTotalStakes(owner)
		if err := tx.InsertIntoIndex(owner, hints.Upper, hints.Lower); err != nil {
			return err
		}
		if _, err := tx.AddOwner(owner); err != nil {
			return err
		}

		if err := o.treasury.LockCollateral(owner, coll); err != nil {
			return fmt.Errorf("lock collateral: %w", err)
		}
		if err := o.treasury.Mint(owner, debt); err != nil {
			return fmt.Errorf("mint: %w", err)
		}

		o.logger.Info().
			Str("owner", owner.String()).
			Str("coll", fpmath.FormatAmount(coll)).
			Str("debt", fpmath.FormatAmount(debt)).
			Str("icr", fpmath.FormatAmount(icr)).
			Msg("position opened")
		return nil
	})
}

// AdjustPosition applies pending rewards, then moves collateral and debt in
// and out of the position.
func (o *Operations) AdjustPosition(owner uuid.UUID, adj Adjustment, hints Hints) error {
	if !isZero(adj.CollIncrease) && !isZero(adj.CollDecrease) ||
		!isZero(adj.DebtIncrease) && !isZero(adj.DebtDecrease) {
		return ErrConflictingAdjustment
	}
	if isZero(adj.CollIncrease) && isZero(adj.CollDecrease) && isZero(adj.DebtIncrease) && isZero(adj.DebtDecrease) {
		return ErrNoAdjustment
	}

	return o.engine.Atomic(o.engine.Operator(), "adjust_position", func(tx *core.Tx) error {
		e := tx.Engine()
		if e.Position(owner).Status != state.StatusActive {
			return fmt.Errorf("adjust %s: %w", owner, core.ErrPositionNotActive)
		}
		price, err := e.Price()
		if err != nil {
			return err
		}
		params := e.Params()

		if err := tx.ApplyPendingRewards(owner); err != nil {
			return err
		}
		p := e.Position(owner)
		oldICR := fpmath.ComputeCR(&p.Coll, &p.Debt, price)

		newColl, newDebt := p.Coll.Clone(), p.Debt.Clone()
		collDelta, collUp := delta(adj.CollIncrease, adj.CollDecrease)
		debtDelta, debtUp := delta(adj.DebtIncrease, adj.DebtDecrease)
		if collUp {
			newColl = fpmath.Add(newColl, collDelta)
		} else {
			newColl = fpmath.Sub(newColl, collDelta)
		}
		if debtUp {
			newDebt = fpmath.Add(newDebt, debtDelta)
		} else {
			newDebt = fpmath.Sub(newDebt, debtDelta)
		}
		// A position left without debt by redemption may still move collateral
		switch {
		case newDebt.IsZero() && !p.Debt.IsZero():
			return fmt.Errorf("%w: repay in full with ClosePosition", ErrZeroDebt)
		case newDebt.IsZero() && newColl.IsZero():
			return fmt.Errorf("%w: withdraw everything with ClosePosition", ErrZeroColl)
		}

		icr := fpmath.ComputeCR(newColl, newDebt, price)
		if e.IsRecoveryMode(price) {
			if !collUp && !collDelta.IsZero() {
				return ErrCollWithdrawRecovery
			}
			if debtUp && !debtDelta.IsZero() {
				if icr.Lt(params.CCR) {
					return fmt.Errorf("%w: %s", ErrICRBelowCCR, fpmath.FormatAmount(icr))
				}
				if icr.Lt(oldICR) {
					return ErrICRDecreasedRecovery
				}
			}
		} else {
			if icr.Lt(params.MCR) {
				return fmt.Errorf("%w: %s", ErrICRBelowMCR, fpmath.FormatAmount(icr))
			}
			if tcr := newTCR(e, price, collDelta, collUp, debtDelta, debtUp); tcr.Lt(params.CCR) {
				return fmt.Errorf("%w: %s", ErrTCRBelowCCR, fpmath.FormatAmount(tcr))
			}
		}

		tx.SetColl(owner, newColl)
		tx.SetDebt(owner, newDebt)
		tx.UpdateStakeAndTotalStakes(owner)
		if err := tx.InsertIntoIndex(owner, hints.Upper, hints.Lower); err != nil {
			return err
		}

		if !collDelta.IsZero() {
			if collUp {
				err = o.treasury.LockCollateral(owner, collDelta)
			} else {
				err = o.treasury.ReleaseCollateral(owner, collDelta)
			}
			if err != nil {
				return fmt.Errorf("move collateral: %w", err)
			}
		}
		if !debtDelta.IsZero() {
			if debtUp {
				err = o.treasury.Mint(owner, debtDelta)
			} else {
				err = o.treasury.Burn(owner, debtDelta)
			}
			if err != nil {
				return fmt.Errorf("move debt: %w", err)
			}
		}

		o.logger.Info().
			Str("owner", owner.String()).
			Str("coll", fpmath.FormatAmount(newColl)).
			Str("debt", fpmath.FormatAmount(newDebt)).
			Str("icr", fpmath.FormatAmount(icr)).
			Msg("position adjusted")
		return nil
	})
}

// ClosePosition repays the entire debt from the owner's stable balance and
// returns the entire collateral to its wallet.
func (o *Operations) ClosePosition(owner uuid.UUID) error {
	return o.engine.Atomic(o.engine.Operator(), "close_position", func(tx *core.Tx) error {
		e := tx.Engine()
		if e.Position(owner).Status != state.StatusActive {
			return fmt.Errorf("close %s: %w", owner, core.ErrPositionNotActive)
		}
		price, err := e.Price()
		if err != nil {
			return err
		}
		if e.IsRecoveryMode(price) {
			return ErrCloseInRecoveryMode
		}

		if err := tx.ApplyPendingRewards(owner); err != nil {
			return err
		}
		p := e.Position(owner)
		debt, coll := p.Debt.Clone(), p.Coll.Clone()

		tx.RemoveStake(owner)
		if err := tx.ClosePosition(owner); err != nil {
			return err
		}

		if !debt.IsZero() {
			if err := o.treasury.Burn(owner, debt); err != nil {
				return fmt.Errorf("repay: %w", err)
			}
		}
		if !coll.IsZero() {
			if err := o.treasury.ReleaseCollateral(owner, coll); err != nil {
				return fmt.Errorf("release collateral: %w", err)
			}
		}

		o.logger.Info().
			Str("owner", owner.String()).
			Str("repaid", fpmath.FormatAmount(debt)).
			Str("released", fpmath.FormatAmount(coll)).
			Msg("position closed")
		return nil
	})
}

// ============================================================================
// Wallet operations
// ============================================================================

// Deposit credits collateral arriving from outside the system
func (o *Operations) Deposit(owner uuid.UUID, coll *uint256.Int) error {
	if isZero(coll) {
		return ErrZeroColl
	}
	return o.engine.Atomic(o.engine.Operator(), "deposit", func(*core.Tx) error {
		return o.treasury.Deposit(owner, coll)
	})
}

// Withdraw sends free collateral out of the system
func (o *Operations) Withdraw(owner uuid.UUID, coll *uint256.Int) error {
	if isZero(coll) {
		return ErrZeroColl
	}
	return o.engine.Atomic(o.engine.Operator(), "withdraw", func(*core.Tx) error {
		return o.treasury.Withdraw(owner, coll)
	})
}

// ProvideToStabilityPool moves stable from the owner's wallet into the
// pool that absorbs liquidations.
func (o *Operations) ProvideToStabilityPool(owner uuid.UUID, amount *uint256.Int) error {
	if isZero(amount) {
		return core.ErrZeroAmount
	}
	return o.engine.Atomic(o.engine.Operator(), "provide_to_stability_pool", func(*core.Tx) error {
		return o.treasury.ProvideToStabilityPool(owner, amount)
	})
}

// newTCR is the system ratio after the given collateral and debt changes
func newTCR(e *core.Engine, price, collDelta *uint256.Int, collUp bool, debtDelta *uint256.Int, debtUp bool) *uint256.Int {
	sys := e.System()
	coll := fpmath.Add(sys.ActiveColl, sys.DefaultColl)
	debt := fpmath.Add(sys.ActiveDebt, sys.DefaultDebt)
	if collUp {
		coll = fpmath.Add(coll, collDelta)
	} else {
		coll = fpmath.Sub(coll, collDelta)
	}
	if debtUp {
		debt = fpmath.Add(debt, debtDelta)
	} else {
		debt = fpmath.Sub(debt, debtDelta)
	}
	return fpmath.ComputeCR(coll, debt, price)
}

// delta picks the set side of an increase/decrease pair
func delta(increase, decrease *uint256.Int) (*uint256.Int, bool) {
	if !isZero(increase) {
		return increase, true
	}
	if !isZero(decrease) {
		return decrease, false
	}
	return new(uint256.Int), true
}

func isZero(x *uint256.Int) bool {
	return x == nil || x.IsZero()
}
