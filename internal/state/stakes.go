package state

import (
	fpmath "CDPLedger/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// StakeState is the global stake bookkeeping
type StakeState struct {
	Total                   uint256.Int
	TotalSnapshot           uint256.Int
	TotalCollateralSnapshot uint256.Int
}

// Stakes derives each position's redistribution weight from its collateral
// using the ratio captured by the last system snapshot.
type Stakes struct {
	st     StakeState
	ledger *Ledger
	undo   *UndoLog
}

func NewStakes(ledger *Ledger, undo *UndoLog) *Stakes {
	return &Stakes{
		ledger: ledger,
		undo:   undo,
	}
}

func (s *Stakes) Total() *uint256.Int {
	return s.st.Total.Clone()
}

func (s *Stakes) TotalSnapshot() *uint256.Int {
	return s.st.TotalSnapshot.Clone()
}

func (s *Stakes) TotalCollateralSnapshot() *uint256.Int {
	return s.st.TotalCollateralSnapshot.Clone()
}

func (s *Stakes) State() StakeState {
	return s.st
}

// ComputeNewStake returns coll scaled by totalStakesSnapshot / totalCollateralSnapshot.
// Before the first liquidation the collateral snapshot is zero and the stake
// equals the collateral.
func (s *Stakes) ComputeNewStake(coll *uint256.Int) *uint256.Int {
	if s.st.TotalCollateralSnapshot.IsZero() {
		return coll.Clone()
	}
	return fpmath.MulDiv(coll, &s.st.TotalSnapshot, &s.st.TotalCollateralSnapshot)
}

// UpdateStakeAndTotal recomputes the stake of id from its stored collateral
// and moves the total by the difference.
func (s *Stakes) UpdateStakeAndTotal(id uuid.UUID) *uint256.Int {
	oldStake := s.ledger.Stake(id)
	newStake := s.ComputeNewStake(s.ledger.Coll(id))

	s.setTotal(fpmath.Add(fpmath.Sub(&s.st.Total, oldStake), newStake))
	s.ledger.setStake(id, newStake)

	return newStake
}

// Remove subtracts the stake of id from the total and zeroes it
func (s *Stakes) Remove(id uuid.UUID) {
	stake := s.ledger.Stake(id)
	s.setTotal(fpmath.Sub(&s.st.Total, stake))
	s.ledger.setStake(id, new(uint256.Int))
}

// RefreshSnapshots captures the stake/collateral ratio after a liquidation.
// systemColl is active plus redistribution reserve collateral; the collateral
// still held by a partially liquidated position is excluded.
func (s *Stakes) RefreshSnapshots(systemColl, excludedCollRemainder *uint256.Int) {
	old := s.st
	s.undo.Record(func() { s.st = old })

	s.st.TotalSnapshot.Set(&s.st.Total)
	s.st.TotalCollateralSnapshot.Set(fpmath.Sub(systemColl, excludedCollRemainder))
}

func (s *Stakes) setTotal(total *uint256.Int) {
	old := s.st.Total
	s.undo.Record(func() { s.st.Total = old })
	s.st.Total.Set(total)
}

// Restore replaces the global stake values on snapshot load
func (s *Stakes) Restore(st StakeState) {
	s.st = st
}
