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

// LiquidationResult reports one liquidation call
type LiquidationResult struct {
	Price             *uint256.Int
	RecoveryMode      bool // Mode at the start of the call
	Liquidated        []uuid.UUID
	DebtOffset        *uint256.Int
	CollToPool        *uint256.Int
	DebtRedistributed *uint256.Int
	CollRedistributed *uint256.Int
	Compensation      *uint256.Int
	// Partial is the position left open by a recovery mode partial offset, or uuid.Nil
	Partial        uuid.UUID
	PartialNewDebt *uint256.Int
	PartialNewColl *uint256.Int
}

// liquidationValues is the outcome for one position
type liquidationValues struct {
	mode         event.LiquidationMode
	outcome      event.LiquidationOutcome
	entireDebt   *uint256.Int
	entireColl   *uint256.Int
	compensation *uint256.Int
	split        state.OffsetSplit

	partial        bool
	partialNewDebt *uint256.Int
	partialNewColl *uint256.Int
}

// liquidationRun carries the running totals of one call
type liquidationRun struct {
	e     *Engine
	price *uint256.Int

	recovery      bool
	remainingPool *uint256.Int
	systemColl    *uint256.Int
	systemDebt    *uint256.Int

	result *LiquidationResult
}

func (e *Engine) newLiquidationRun(price *uint256.Int) *liquidationRun {
	coll, debt := e.systemTotals()
	recovery := fpmath.ComputeCR(coll, debt, price).Lt(e.params.CCR)
	return &liquidationRun{
		e:             e,
		price:         price,
		recovery:      recovery,
		remainingPool: e.pool.Balance(),
		systemColl:    coll,
		systemDebt:    debt,
		result: &LiquidationResult{
			Price:             price.Clone(),
			RecoveryMode:      recovery,
			DebtOffset:        new(uint256.Int),
			CollToPool:        new(uint256.Int),
			DebtRedistributed: new(uint256.Int),
			CollRedistributed: new(uint256.Int),
			Compensation:      new(uint256.Int),
			PartialNewDebt:    new(uint256.Int),
			PartialNewColl:    new(uint256.Int),
		},
	}
}

// Liquidate liquidates a single position
func (e *Engine) Liquidate(liquidator, id uuid.UUID) (*LiquidationResult, error) {
	var result *LiquidationResult
	err := e.execute("liquidate", liquidator, func() error {
		if e.ledger.Status(id) != state.StatusActive {
			return fmt.Errorf("liquidate %s: %w", id, ErrPositionNotActive)
		}
		var err error
		result, err = e.liquidate(liquidator, func(run *liquidationRun) error {
			_, _, err := run.step(id)
			return err
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// LiquidatePositions liquidates up to n positions starting from the worst ratio
func (e *Engine) LiquidatePositions(liquidator uuid.UUID, n int) (*LiquidationResult, error) {
	var result *LiquidationResult
	err := e.execute("liquidate_positions", liquidator, func() error {
		var err error
		result, err = e.liquidate(liquidator, func(run *liquidationRun) error {
			for i := 0; i < n; i++ {
				id := e.index.Last()
				if id == uuid.Nil {
					return nil
				}
				liquidated, stop, err := run.step(id)
				if err != nil {
					return err
				}
				if !liquidated || stop {
					return nil
				}
			}
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// BatchLiquidate liquidates an explicit list. Entries that are not Active or
// not liquidatable are skipped.
func (e *Engine) BatchLiquidate(liquidator uuid.UUID, ids []uuid.UUID) (*LiquidationResult, error) {
	if len(ids) == 0 {
		return nil, ErrEmptyList
	}

	var result *LiquidationResult
	err := e.execute("batch_liquidate", liquidator, func() error {
		var err error
		result, err = e.liquidate(liquidator, func(run *liquidationRun) error {
			for _, id := range ids {
				if e.ledger.Status(id) != state.StatusActive {
					continue
				}
				_, stop, err := run.step(id)
				if err != nil {
					return err
				}
				if stop {
					return nil
				}
			}
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// liquidate runs the loop, then settles every total once
func (e *Engine) liquidate(liquidator uuid.UUID, loop func(run *liquidationRun) error) (*LiquidationResult, error) {
	price, err := e.price()
	if err != nil {
		return nil, err
	}

	run := e.newLiquidationRun(price)
	if err := loop(run); err != nil {
		return nil, err
	}

	result := run.result
	if len(result.Liquidated) == 0 {
		return nil, ErrNothingToLiquidate
	}

	if err := e.settleLiquidation(liquidator, result); err != nil {
		return nil, err
	}

	e.record(&event.Liquidation{
		Liquidator:        liquidator,
		Price:             price.Clone(),
		Liquidated:        len(result.Liquidated),
		DebtOffset:        result.DebtOffset.Clone(),
		CollToPool:        result.CollToPool.Clone(),
		DebtRedistributed: result.DebtRedistributed.Clone(),
		CollRedistributed: result.CollRedistributed.Clone(),
		Compensation:      result.Compensation.Clone(),
		Partial:           result.Partial,
	})

	e.logger.Info().
		Str("liquidator", liquidator.String()).
		Bool("recovery_mode", result.RecoveryMode).
		Int("liquidated", len(result.Liquidated)).
		Str("debt_offset", fpmath.FormatAmount(result.DebtOffset)).
		Str("debt_redistributed", fpmath.FormatAmount(result.DebtRedistributed)).
		Str("compensation", fpmath.FormatAmount(result.Compensation)).
		Bool("partial", result.Partial != uuid.Nil).
		Msg("liquidation settled")

	e.observeSystem(price)
	return result, nil
}

// step decides and applies the liquidation of one position. liquidated is
// false for a no-op; stop asks the caller to end the loop.
func (r *liquidationRun) step(id uuid.UUID) (liquidated, stop bool, err error) {
	e := r.e
	if e.ledger.OwnerCount() <= 1 {
		return false, true, nil
	}

	entire := e.EntireDebtAndColl(id)
	icr := fpmath.ComputeCR(entire.Coll, entire.Debt, r.price)

	var v *liquidationValues
	if r.recovery {
		if !icr.Lt(e.params.MCR) && r.remainingPool.IsZero() {
			return false, false, nil
		}
		switch {
		case !icr.Gt(fpmath.DecimalPrecision):
			v, err = e.liquidateRedistributeAll(id, entire)
		case icr.Lt(e.params.MCR):
			v, err = e.liquidateWithOffset(id, entire, r.remainingPool)
		case e.index.Last() == id:
			v, err = e.liquidatePartial(id, entire, r.remainingPool)
		default:
			return false, false, nil
		}
		if err != nil {
			return false, false, err
		}
		v.mode = event.ModeRecovery

		r.systemDebt = fpmath.Sub(r.systemDebt, v.split.DebtToOffset)
		r.systemColl = fpmath.Sub(r.systemColl, fpmath.Add(v.split.CollToPool, v.compensation))
		r.recovery = fpmath.ComputeCR(r.systemColl, r.systemDebt, r.price).Lt(e.params.CCR)
	} else {
		if !icr.Lt(e.params.MCR) {
			return false, false, nil
		}
		v, err = e.liquidateWithOffset(id, entire, r.remainingPool)
		if err != nil {
			return false, false, err
		}
		v.mode = event.ModeNormal
	}

	r.remainingPool = fpmath.Sub(r.remainingPool, v.split.DebtToOffset)
	r.add(id, v)

	e.logger.Debug().
		Str("owner", id.String()).
		Str("mode", string(v.mode)).
		Str("outcome", string(v.outcome)).
		Str("icr", fpmath.FormatAmount(icr)).
		Msg("position liquidated")

	return true, v.partial, nil
}

func (r *liquidationRun) add(id uuid.UUID, v *liquidationValues) {
	res := r.result
	res.Liquidated = append(res.Liquidated, id)
	res.DebtOffset = fpmath.Add(res.DebtOffset, v.split.DebtToOffset)
	res.CollToPool = fpmath.Add(res.CollToPool, v.split.CollToPool)
	res.DebtRedistributed = fpmath.Add(res.DebtRedistributed, v.split.DebtToRedistribute)
	res.CollRedistributed = fpmath.Add(res.CollRedistributed, v.split.CollToRedistribute)
	res.Compensation = fpmath.Add(res.Compensation, v.compensation)
	if v.partial {
		res.Partial = id
		res.PartialNewDebt = v.partialNewDebt
		res.PartialNewColl = v.partialNewColl
	}

	r.e.record(&event.PositionLiquidated{
		Owner:              id,
		Mode:               v.mode,
		Outcome:            v.outcome,
		Debt:               v.entireDebt.Clone(),
		Coll:               v.entireColl.Clone(),
		DebtToOffset:       v.split.DebtToOffset.Clone(),
		CollToPool:         v.split.CollToPool.Clone(),
		DebtToRedistribute: v.split.DebtToRedistribute.Clone(),
		CollToRedistribute: v.split.CollToRedistribute.Clone(),
		Compensation:       v.compensation.Clone(),
		Closed:             !v.partial,
	})

	if m := r.e.metrics; m != nil {
		m.Liquidations.WithLabelValues(string(v.mode), string(v.outcome)).Inc()
		if v.partial {
			m.PartialLiquidations.Inc()
		}
	}
}

// liquidateWithOffset: compensation off the top, the rest split between the
// pool (up to its remaining balance) and redistribution. The position closes.
func (e *Engine) liquidateWithOffset(id uuid.UUID, entire EntireDebtAndColl, pool *uint256.Int) (*liquidationValues, error) {
	if err := e.prepare(id); err != nil {
		return nil, err
	}

	comp := e.params.CollGasCompensation(entire.Coll)
	split := state.ComputeOffset(entire.Debt, fpmath.Sub(entire.Coll, comp), pool)

	if err := e.closePosition(id); err != nil {
		return nil, err
	}

	outcome := event.OutcomeOffsetAndRedistribute
	if split.DebtToOffset.IsZero() {
		outcome = event.OutcomeRedistribute
	}
	return &liquidationValues{
		outcome:      outcome,
		entireDebt:   entire.Debt,
		entireColl:   entire.Coll,
		compensation: comp,
		split:        split,
	}, nil
}

// liquidateRedistributeAll is the recovery mode branch for ICR <= 100%
func (e *Engine) liquidateRedistributeAll(id uuid.UUID, entire EntireDebtAndColl) (*liquidationValues, error) {
	if err := e.prepare(id); err != nil {
		return nil, err
	}

	comp := e.params.CollGasCompensation(entire.Coll)
	split := state.RedistributeAll(entire.Debt, fpmath.Sub(entire.Coll, comp))

	if err := e.closePosition(id); err != nil {
		return nil, err
	}

	return &liquidationValues{
		outcome:      event.OutcomeRedistribute,
		entireDebt:   entire.Debt,
		entireColl:   entire.Coll,
		compensation: comp,
		split:        split,
	}, nil
}

// liquidatePartial is the recovery mode branch for the worst position at or
// above MCR. A pool that covers the debt offsets it fully and the position
// closes; otherwise the pool balance is offset against the same share of the
// collateral and the position stays open with the remainder.
func (e *Engine) liquidatePartial(id uuid.UUID, entire EntireDebtAndColl, pool *uint256.Int) (*liquidationValues, error) {
	if err := e.prepare(id); err != nil {
		return nil, err
	}

	if !pool.Lt(entire.Debt) {
		comp := e.params.CollGasCompensation(entire.Coll)
		if err := e.closePosition(id); err != nil {
			return nil, err
		}
		return &liquidationValues{
			outcome:      event.OutcomeOffsetAndRedistribute,
			entireDebt:   entire.Debt,
			entireColl:   entire.Coll,
			compensation: comp,
			split: state.OffsetSplit{
				DebtToOffset:       entire.Debt.Clone(),
				CollToPool:         fpmath.Sub(entire.Coll, comp),
				DebtToRedistribute: new(uint256.Int),
				CollToRedistribute: new(uint256.Int),
			},
		}, nil
	}

	collShare := fpmath.MulDiv(entire.Coll, pool, entire.Debt)
	comp := e.params.CollGasCompensation(collShare)

	return &liquidationValues{
		outcome:      event.OutcomePartialOffset,
		entireDebt:   entire.Debt,
		entireColl:   entire.Coll,
		compensation: comp,
		split: state.OffsetSplit{
			DebtToOffset:       pool.Clone(),
			CollToPool:         fpmath.Sub(collShare, comp),
			DebtToRedistribute: new(uint256.Int),
			CollToRedistribute: new(uint256.Int),
		},
		partial:        true,
		partialNewDebt: fpmath.Sub(entire.Debt, pool),
		partialNewColl: fpmath.Sub(entire.Coll, collShare),
	}, nil
}

// prepare brings pending rewards in and takes the stake out
func (e *Engine) prepare(id uuid.UUID) error {
	if err := e.applyPendingRewards(id); err != nil {
		return err
	}
	e.stakes.Remove(id)
	e.touch(id)
	return nil
}

// settleLiquidation books the call's totals: one offset, one redistribution,
// one compensation transfer, then the system snapshots, then the partially
// liquidated position.
func (e *Engine) settleLiquidation(liquidator uuid.UUID, res *LiquidationResult) error {
	if !res.DebtOffset.IsZero() {
		if err := e.pool.Offset(res.DebtOffset, res.CollToPool); err != nil {
			return fmt.Errorf("offset: %w", err)
		}
		if e.metrics != nil {
			e.metrics.LiquidatedDebt.WithLabelValues("offset").Add(observability.Units(res.DebtOffset))
			e.metrics.LiquidatedColl.WithLabelValues("offset").Add(observability.Units(res.CollToPool))
		}
	}

	if err := e.redistribute(res.DebtRedistributed, res.CollRedistributed); err != nil {
		return fmt.Errorf("redistribute: %w", err)
	}

	if !res.Compensation.IsZero() {
		if err := e.pools.SendCompensation(liquidator, res.Compensation); err != nil {
			return fmt.Errorf("compensation: %w", err)
		}
		if e.metrics != nil {
			e.metrics.LiquidatedColl.WithLabelValues("compensation").Add(observability.Units(res.Compensation))
		}
	}

	systemColl, _ := e.systemTotals()
	e.stakes.RefreshSnapshots(systemColl, res.PartialNewColl)

	if res.Partial == uuid.Nil {
		return nil
	}
	return e.writeBackPartial(res.Partial, res.PartialNewDebt, res.PartialNewColl)
}

func (e *Engine) writeBackPartial(id uuid.UUID, debt, coll *uint256.Int) error {
	e.ledger.SetDebt(id, debt)
	e.ledger.SetColl(id, coll)
	e.stakes.UpdateStakeAndTotal(id)
	e.rewards.UpdateSnapshot(id)
	e.touch(id)

	if err := e.reinsert(id, uuid.Nil, uuid.Nil); err != nil {
		return fmt.Errorf("reinsert partially liquidated %s: %w", id, err)
	}
	return nil
}
