package core

import (
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// EntireDebtAndColl is a position's stored amounts plus its pending rewards
type EntireDebtAndColl struct {
	Debt        *uint256.Int
	Coll        *uint256.Int
	PendingDebt *uint256.Int
	PendingColl *uint256.Int
}

// SystemState is a read-only view of the global values
type SystemState struct {
	Sequence                int64
	ActivePositions         int
	TotalStakes             *uint256.Int
	TotalStakesSnapshot     *uint256.Int
	TotalCollateralSnapshot *uint256.Int
	LColl                   *uint256.Int
	LDebt                   *uint256.Int
	LastCollError           *uint256.Int
	LastDebtError           *uint256.Int
	ActiveColl              *uint256.Int
	ActiveDebt              *uint256.Int
	DefaultColl             *uint256.Int
	DefaultDebt             *uint256.Int
	PoolBalance             *uint256.Int
	Params                  state.Params
}

func (e *Engine) Position(id uuid.UUID) state.Position {
	return e.ledger.Position(id)
}

// Positions returns copies of every known position ordered by owner
func (e *Engine) Positions() []state.Position {
	return e.ledger.Positions()
}

func (e *Engine) Params() state.Params {
	return e.params.Clone()
}

func (e *Engine) PendingRewards(id uuid.UUID) (debt, coll *uint256.Int) {
	p := e.ledger.Position(id)
	return e.rewards.Pending(&p)
}

func (e *Engine) HasPendingRewards(id uuid.UUID) bool {
	p := e.ledger.Position(id)
	return e.rewards.HasPending(&p)
}

func (e *Engine) RewardSnapshot(id uuid.UUID) state.RewardSnapshot {
	return e.rewards.Snapshot(id)
}

func (e *Engine) EntireDebtAndColl(id uuid.UUID) EntireDebtAndColl {
	p := e.ledger.Position(id)
	pendingDebt, pendingColl := e.rewards.Pending(&p)
	return EntireDebtAndColl{
		Debt:        fpmath.Add(&p.Debt, pendingDebt),
		Coll:        fpmath.Add(&p.Coll, pendingColl),
		PendingDebt: pendingDebt,
		PendingColl: pendingColl,
	}
}

// CurrentICR is the position's ratio at price, pending rewards included
func (e *Engine) CurrentICR(id uuid.UUID, price *uint256.Int) *uint256.Int {
	entire := e.EntireDebtAndColl(id)
	return fpmath.ComputeCR(entire.Coll, entire.Debt, price)
}

// NominalICR is the price-independent ratio the ordered index is keyed by
func (e *Engine) NominalICR(id uuid.UUID) *uint256.Int {
	entire := e.EntireDebtAndColl(id)
	return fpmath.ComputeNominalCR(entire.Coll, entire.Debt)
}

func (e *Engine) systemTotals() (coll, debt *uint256.Int) {
	coll = fpmath.Add(e.pools.ActiveColl(), e.pools.DefaultColl())
	debt = fpmath.Add(e.pools.ActiveDebt(), e.pools.DefaultDebt())
	return coll, debt
}

func (e *Engine) totalCollateralRatio(price *uint256.Int) *uint256.Int {
	coll, debt := e.systemTotals()
	return fpmath.ComputeCR(coll, debt, price)
}

// TotalCollateralRatio is the system ratio at price, or the maximum value when
// there is no debt.
func (e *Engine) TotalCollateralRatio(price *uint256.Int) *uint256.Int {
	return e.totalCollateralRatio(price)
}

func (e *Engine) IsRecoveryMode(price *uint256.Int) bool {
	return e.totalCollateralRatio(price).Lt(e.params.CCR)
}

// Price is the current oracle price
func (e *Engine) Price() (*uint256.Int, error) {
	return e.price()
}

func (e *Engine) System() SystemState {
	rs, ss := e.rewards.State(), e.stakes.State()
	return SystemState{
		Sequence:                e.sequence,
		ActivePositions:         e.ledger.OwnerCount(),
		TotalStakes:             ss.Total.Clone(),
		TotalStakesSnapshot:     ss.TotalSnapshot.Clone(),
		TotalCollateralSnapshot: ss.TotalCollateralSnapshot.Clone(),
		LColl:                   rs.LColl.Clone(),
		LDebt:                   rs.LDebt.Clone(),
		LastCollError:           rs.LastCollError.Clone(),
		LastDebtError:           rs.LastDebtError.Clone(),
		ActiveColl:              e.pools.ActiveColl(),
		ActiveDebt:              e.pools.ActiveDebt(),
		DefaultColl:             e.pools.DefaultColl(),
		DefaultDebt:             e.pools.DefaultDebt(),
		PoolBalance:             e.pool.Balance(),
		Params:                  e.params.Clone(),
	}
}

// Index exposes the ordered index read side for hint computation
func (e *Engine) Index() OrderedIndexReader {
	return e.index.OrderedIndex
}

// OrderedIndexReader is the read-only part of OrderedIndex
type OrderedIndexReader interface {
	Contains(id uuid.UUID) bool
	Len() int
	Key(id uuid.UUID) (*uint256.Int, bool)
	First() uuid.UUID
	Last() uuid.UUID
	Next(id uuid.UUID) uuid.UUID
	Prev(id uuid.UUID) uuid.UUID
	ValidInsertPosition(nicr *uint256.Int, prevID, nextID uuid.UUID) bool
	FindInsertPosition(nicr *uint256.Int, prevID, nextID uuid.UUID) (uuid.UUID, uuid.UUID)
}
