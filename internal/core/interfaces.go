package core

import (
	"CDPLedger/internal/ledger"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// PriceOracle supplies the collateral price, 18-decimal fixed point
type PriceOracle interface {
	Price() (*uint256.Int, error)
}

// AbsorbingPool cancels liquidated debt against its stable deposits and
// receives the matching collateral.
type AbsorbingPool interface {
	Balance() *uint256.Int
	Offset(debt, coll *uint256.Int) error
}

// PoolManager holds the active and default (redistribution) reserves
type PoolManager interface {
	ActiveColl() *uint256.Int
	ActiveDebt() *uint256.Int
	DefaultColl() *uint256.Int
	DefaultDebt() *uint256.Int
	MovePendingRewardsToActive(debt, coll *uint256.Int) error
	Redistribute(debt, coll *uint256.Int) error
	RedeemCollateral(to uuid.UUID, stable, coll *uint256.Int) error
	SendCompensation(to uuid.UUID, coll *uint256.Int) error
}

type StableToken interface {
	BalanceOf(id uuid.UUID) *uint256.Int
}

// OrderedIndex keeps Active positions by nominal ratio, best first. Next
// walks toward worse ratios, Prev toward better; uuid.Nil means none.
type OrderedIndex interface {
	Insert(id uuid.UUID, nicr *uint256.Int, prevID, nextID uuid.UUID) error
	ReInsert(id uuid.UUID, nicr *uint256.Int, prevID, nextID uuid.UUID) error
	Remove(id uuid.UUID) error
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

// Checkpointer is implemented by collaborators that can discard the
// mutations of a failed call. The engine checkpoints each one it is given.
type Checkpointer interface {
	Checkpoint()
	Commit()
	Rollback()
}

// BatchSource is implemented by collaborators that book journal batches.
// Committed batches are attached to the call's output.
type BatchSource interface {
	Drain() []*ledger.Batch
}
