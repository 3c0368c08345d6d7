package state

import (
	fpmath "CDPLedger/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// RewardSnapshot holds the accumulator values at an account's last sync
type RewardSnapshot struct {
	Coll uint256.Int
	Debt uint256.Int
}

// RewardState is the global part of the accumulator
type RewardState struct {
	LColl         uint256.Int
	LDebt         uint256.Int
	LastCollError uint256.Int
	LastDebtError uint256.Int
}

// Rewards is the redistribution accumulator: loss per unit stake for
// collateral and debt, the carried division remainders, and per-account
// snapshots. LColl and LDebt only ever grow.
type Rewards struct {
	st        RewardState
	snapshots map[uuid.UUID]RewardSnapshot
	undo      *UndoLog
}

func NewRewards(undo *UndoLog) *Rewards {
	return &Rewards{
		snapshots: make(map[uuid.UUID]RewardSnapshot),
		undo:      undo,
	}
}

func (r *Rewards) LColl() *uint256.Int {
	return r.st.LColl.Clone()
}

func (r *Rewards) LDebt() *uint256.Int {
	return r.st.LDebt.Clone()
}

// State returns a copy of the global accumulator values
func (r *Rewards) State() RewardState {
	return r.st
}

func (r *Rewards) Snapshot(id uuid.UUID) RewardSnapshot {
	return r.snapshots[id]
}

// HasPending reports unapplied rewards for an Active position. Only the
// collateral term is compared: both terms always move together.
func (r *Rewards) HasPending(p *Position) bool {
	if p.Status != StatusActive {
		return false
	}
	snap := r.snapshots[p.Owner]
	return snap.Coll.Lt(&r.st.LColl)
}

// Pending computes stake * (L - snapshot) / 1e18 for both terms
func (r *Rewards) Pending(p *Position) (debt, coll *uint256.Int) {
	if p.Status != StatusActive {
		return new(uint256.Int), new(uint256.Int)
	}
	snap := r.snapshots[p.Owner]
	return accrued(&p.Stake, &r.st.LDebt, &snap.Debt), accrued(&p.Stake, &r.st.LColl, &snap.Coll)
}

func accrued(stake, current, snapshot *uint256.Int) *uint256.Int {
	delta := fpmath.Sub(current, snapshot)
	if delta.IsZero() {
		return new(uint256.Int)
	}
	return fpmath.MulDiv(stake, delta, fpmath.DecimalPrecision)
}

// UpdateSnapshot syncs the account snapshot to the current accumulator values
func (r *Rewards) UpdateSnapshot(id uuid.UUID) {
	r.setSnapshot(id, RewardSnapshot{Coll: r.st.LColl, Debt: r.st.LDebt})
}

// ResetSnapshot zeroes the account snapshot, used when a position closes
func (r *Rewards) ResetSnapshot(id uuid.UUID) {
	if _, ok := r.snapshots[id]; !ok {
		return
	}
	old := r.snapshots[id]
	delete(r.snapshots, id)
	r.undo.Record(func() { r.snapshots[id] = old })
}

func (r *Rewards) setSnapshot(id uuid.UUID, snap RewardSnapshot) {
	old, existed := r.snapshots[id]
	r.snapshots[id] = snap
	r.undo.Record(func() {
		if existed {
			r.snapshots[id] = old
		} else {
			delete(r.snapshots, id)
		}
	})
}

// Distribute folds debt and coll into the accumulators pro rata to
// totalStakes, carrying the division remainder into the next call:
//
//	numerator = amount * 1e18 + lastError
//	increment = numerator / totalStakes
//	lastError = numerator - increment * totalStakes
//
// It returns false, leaving state untouched, when debt or totalStakes is zero.
func (r *Rewards) Distribute(debt, coll, totalStakes *uint256.Int) bool {
	if debt.IsZero() || totalStakes.IsZero() {
		return false
	}

	old := r.st
	r.undo.Record(func() { r.st = old })

	collIncrement, collError := perUnitStake(coll, &r.st.LastCollError, totalStakes)
	debtIncrement, debtError := perUnitStake(debt, &r.st.LastDebtError, totalStakes)

	r.st.LastCollError.Set(collError)
	r.st.LastDebtError.Set(debtError)
	r.st.LColl.Set(fpmath.Add(&r.st.LColl, collIncrement))
	r.st.LDebt.Set(fpmath.Add(&r.st.LDebt, debtIncrement))

	return true
}

func perUnitStake(amount, lastError, totalStakes *uint256.Int) (increment, remainder *uint256.Int) {
	numerator := fpmath.Add(fpmath.Mul(amount, fpmath.DecimalPrecision), lastError)
	increment = fpmath.Div(numerator, totalStakes)
	remainder = fpmath.Sub(numerator, fpmath.Mul(increment, totalStakes))
	return increment, remainder
}

// Snapshots returns a copy of every account snapshot
func (r *Rewards) Snapshots() map[uuid.UUID]RewardSnapshot {
	out := make(map[uuid.UUID]RewardSnapshot, len(r.snapshots))
	for id, snap := range r.snapshots {
		out[id] = snap
	}
	return out
}

// Restore replaces the accumulator contents on snapshot load
func (r *Rewards) Restore(st RewardState, snapshots map[uuid.UUID]RewardSnapshot) {
	r.st = st
	r.snapshots = make(map[uuid.UUID]RewardSnapshot, len(snapshots))
	for id, snap := range snapshots {
		r.snapshots[id] = snap
	}
}
