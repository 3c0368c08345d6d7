package core

import (
	"fmt"

	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Tx is the privileged surface inside one all-or-nothing call. Every method
// mutates state that Atomic rolls back if the call fails.
type Tx struct {
	e *Engine
}

// Atomic runs fn as a single call on behalf of the operator. Collaborator
// mutations made inside fn (treasury transfers) are rolled back with it.
func (e *Engine) Atomic(caller uuid.UUID, op string, fn func(tx *Tx) error) error {
	if caller != e.operator {
		e.reject(op, "unauthorized")
		return fmt.Errorf("%s: %w", op, ErrUnauthorized)
	}
	return e.execute(op, caller, func() error {
		return fn(&Tx{e: e})
	})
}

// Engine gives access to the read side from inside fn
func (tx *Tx) Engine() *Engine {
	return tx.e
}

func (tx *Tx) ApplyPendingRewards(id uuid.UUID) error {
	return tx.e.applyPendingRewards(id)
}

// RefreshRewardSnapshot syncs the position snapshot to the current accumulators
func (tx *Tx) RefreshRewardSnapshot(id uuid.UUID) {
	tx.e.rewards.UpdateSnapshot(id)
	tx.e.touch(id)
}

func (tx *Tx) RemoveStake(id uuid.UUID) {
	tx.e.stakes.Remove(id)
	tx.e.touch(id)
}

func (tx *Tx) UpdateStakeAndTotalStakes(id uuid.UUID) *uint256.Int {
	tx.e.touch(id)
	return tx.e.stakes.UpdateStakeAndTotal(id)
}

func (tx *Tx) AddOwner(id uuid.UUID) (int, error) {
	tx.e.touch(id)
	return tx.e.ledger.AddOwner(id)
}

// ClosePosition closes an Active position. The last Active position cannot be closed.
func (tx *Tx) ClosePosition(id uuid.UUID) error {
	return tx.e.closePosition(id)
}

func (tx *Tx) SetStatus(id uuid.UUID, status state.Status) error {
	tx.e.touch(id)
	return tx.e.ledger.SetStatus(id, status)
}

func (tx *Tx) SetDebt(id uuid.UUID, debt *uint256.Int) {
	tx.e.ledger.SetDebt(id, debt)
	tx.e.touch(id)
}

func (tx *Tx) IncreaseDebt(id uuid.UUID, amount *uint256.Int) *uint256.Int {
	debt := fpmath.Add(tx.e.ledger.Debt(id), amount)
	tx.SetDebt(id, debt)
	return debt
}

func (tx *Tx) DecreaseDebt(id uuid.UUID, amount *uint256.Int) *uint256.Int {
	debt := fpmath.Sub(tx.e.ledger.Debt(id), amount)
	tx.SetDebt(id, debt)
	return debt
}

func (tx *Tx) SetColl(id uuid.UUID, coll *uint256.Int) {
	tx.e.ledger.SetColl(id, coll)
	tx.e.touch(id)
}

func (tx *Tx) IncreaseColl(id uuid.UUID, amount *uint256.Int) *uint256.Int {
	coll := fpmath.Add(tx.e.ledger.Coll(id), amount)
	tx.SetColl(id, coll)
	return coll
}

func (tx *Tx) DecreaseColl(id uuid.UUID, amount *uint256.Int) *uint256.Int {
	coll := fpmath.Sub(tx.e.ledger.Coll(id), amount)
	tx.SetColl(id, coll)
	return coll
}

// requireActive keeps single-step calls from creating records for unknown
// accounts as a side effect.
func (tx *Tx) requireActive(op string, id uuid.UUID) error {
	if tx.e.ledger.Status(id) != state.StatusActive {
		return fmt.Errorf("%s %s: %w", op, id, ErrPositionNotActive)
	}
	return nil
}

// InsertIntoIndex places an Active position in the ordered index at the
// ratio of its stored amounts, or moves it there if already present.
func (tx *Tx) InsertIntoIndex(id, prevID, nextID uuid.UUID) error {
	if tx.e.ledger.Status(id) != state.StatusActive {
		return fmt.Errorf("index %s: %w", id, ErrPositionNotActive)
	}
	return tx.e.reinsert(id, prevID, nextID)
}

// SetParams replaces the protocol parameters after validation
func (tx *Tx) SetParams(p state.Params) error {
	if err := state.ValidateParams(p); err != nil {
		return fmt.Errorf("set params: %w", err)
	}
	old := tx.e.params
	tx.e.params = p.Clone()
	tx.e.undo.Record(func() { tx.e.params = old })

	tx.e.logger.Info().
		Str("mcr", fpmath.FormatAmount(p.MCR)).
		Str("ccr", fpmath.FormatAmount(p.CCR)).
		Uint64("comp_divisor", p.CollGasCompensationDivisor).
		Str("comp_cap", fpmath.FormatAmount(p.MaxCollGasCompensation)).
		Msg("params updated")
	return nil
}

// ============================================================================
// Single-step privileged calls
// ============================================================================

func (e *Engine) ApplyPendingRewards(caller, id uuid.UUID) error {
	return e.Atomic(caller, "apply_pending_rewards", func(tx *Tx) error {
		return tx.ApplyPendingRewards(id)
	})
}

func (e *Engine) RefreshRewardSnapshot(caller, id uuid.UUID) error {
	return e.Atomic(caller, "refresh_reward_snapshot", func(tx *Tx) error {
		if err := tx.requireActive("refresh reward snapshot", id); err != nil {
			return err
		}
		tx.RefreshRewardSnapshot(id)
		return nil
	})
}

func (e *Engine) RemoveStake(caller, id uuid.UUID) error {
	return e.Atomic(caller, "remove_stake", func(tx *Tx) error {
		if err := tx.requireActive("remove stake", id); err != nil {
			return err
		}
		tx.RemoveStake(id)
		return nil
	})
}

func (e *Engine) UpdateStakeAndTotalStakes(caller, id uuid.UUID) (*uint256.Int, error) {
	var stake *uint256.Int
	err := e.Atomic(caller, "update_stake", func(tx *Tx) error {
		if err := tx.requireActive("update stake", id); err != nil {
			return err
		}
		stake = tx.UpdateStakeAndTotalStakes(id)
		return nil
	})
	return stake, err
}

func (e *Engine) AddOwner(caller, id uuid.UUID) (int, error) {
	var idx int
	err := e.Atomic(caller, "add_owner", func(tx *Tx) error {
		var err error
		idx, err = tx.AddOwner(id)
		return err
	})
	return idx, err
}

func (e *Engine) ClosePosition(caller, id uuid.UUID) error {
	return e.Atomic(caller, "close_position", func(tx *Tx) error {
		return tx.ClosePosition(id)
	})
}

func (e *Engine) SetStatus(caller, id uuid.UUID, status state.Status) error {
	return e.Atomic(caller, "set_status", func(tx *Tx) error {
		return tx.SetStatus(id, status)
	})
}

func (e *Engine) SetDebt(caller, id uuid.UUID, debt *uint256.Int) error {
	return e.Atomic(caller, "set_debt", func(tx *Tx) error {
		if err := tx.requireActive("set debt", id); err != nil {
			return err
		}
		tx.SetDebt(id, debt)
		return nil
	})
}

func (e *Engine) IncreaseDebt(caller, id uuid.UUID, amount *uint256.Int) (*uint256.Int, error) {
	var debt *uint256.Int
	err := e.Atomic(caller, "increase_debt", func(tx *Tx) error {
		if err := tx.requireActive("increase debt", id); err != nil {
			return err
		}
		debt = tx.IncreaseDebt(id, amount)
		return nil
	})
	return debt, err
}

func (e *Engine) DecreaseDebt(caller, id uuid.UUID, amount *uint256.Int) (*uint256.Int, error) {
	var debt *uint256.Int
	err := e.Atomic(caller, "decrease_debt", func(tx *Tx) error {
		if err := tx.requireActive("decrease debt", id); err != nil {
			return err
		}
		debt = tx.DecreaseDebt(id, amount)
		return nil
	})
	return debt, err
}

func (e *Engine) SetColl(caller, id uuid.UUID, coll *uint256.Int) error {
	return e.Atomic(caller, "set_coll", func(tx *Tx) error {
		if err := tx.requireActive("set coll", id); err != nil {
			return err
		}
		tx.SetColl(id, coll)
		return nil
	})
}

func (e *Engine) IncreaseColl(caller, id uuid.UUID, amount *uint256.Int) (*uint256.Int, error) {
	var coll *uint256.Int
	err := e.Atomic(caller, "increase_coll", func(tx *Tx) error {
		if err := tx.requireActive("increase coll", id); err != nil {
			return err
		}
		coll = tx.IncreaseColl(id, amount)
		return nil
	})
	return coll, err
}

func (e *Engine) DecreaseColl(caller, id uuid.UUID, amount *uint256.Int) (*uint256.Int, error) {
	var coll *uint256.Int
	err := e.Atomic(caller, "decrease_coll", func(tx *Tx) error {
		if err := tx.requireActive("decrease coll", id); err != nil {
			return err
		}
		coll = tx.DecreaseColl(id, amount)
		return nil
	})
	return coll, err
}

func (e *Engine) SetParams(caller uuid.UUID, p state.Params) error {
	return e.Atomic(caller, "set_params", func(tx *Tx) error {
		return tx.SetParams(p)
	})
}
