package state

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Status is the lifecycle state of a position
type Status uint8

const (
	StatusNonExistent Status = iota
	StatusActive
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusNonExistent:
		return "NonExistent"
	case StatusActive:
		return "Active"
	case StatusClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ParseStatus is the inverse of String
func ParseStatus(s string) (Status, bool) {
	switch s {
	case "NonExistent":
		return StatusNonExistent, true
	case "Active":
		return StatusActive, true
	case "Closed":
		return StatusClosed, true
	}
	return StatusNonExistent, false
}

// CanTransitionTo validates status transitions.
// Closed -> Active is a re-open and is only ever requested by the privileged caller.
func (s Status) CanTransitionTo(next Status) bool {
	validTransitions := map[Status][]Status{
		StatusNonExistent: {
			StatusActive,
		},
		StatusActive: {
			StatusClosed,
		},
		StatusClosed: {
			StatusActive,
		},
	}

	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}

	for _, allowedStatus := range allowed {
		if next == allowedStatus {
			return true
		}
	}

	return false
}

// Position is one account's CDP. Amounts are 18-decimal fixed point.
type Position struct {
	Owner      uuid.UUID
	Debt       uint256.Int
	Coll       uint256.Int
	Stake      uint256.Int
	Status     Status
	OwnerIndex int // Slot in the owner list while Active
}

func (p *Position) IsActive() bool {
	return p.Status == StatusActive
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 16+32*3+1+8)

	// owner (16 bytes UUID binary)
	buf = append(buf, p.Owner[:]...)

	// debt, coll, stake (32 bytes BE each)
	buf = appendUint256(buf, &p.Debt)
	buf = appendUint256(buf, &p.Coll)
	buf = appendUint256(buf, &p.Stake)

	// status (1 byte)
	buf = append(buf, byte(p.Status))

	// owner_index (8 bytes LE)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(p.OwnerIndex))

	return buf
}

func appendUint256(buf []byte, v *uint256.Int) []byte {
	b := v.Bytes32()
	return append(buf, b[:]...)
}
