// Package sortedindex keeps positions ordered by nominal collateral ratio,
// best (highest) first. The head is the best ratio, the tail the worst.
package sortedindex

import (
	"bytes"
	"errors"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	ErrAlreadyExists = errors.New("sortedindex: id already present")
	ErrNotFound      = errors.New("sortedindex: id not present")
	ErrNilID         = errors.New("sortedindex: nil id")
	ErrZeroNICR      = errors.New("sortedindex: nicr must be positive")
)

type entry struct {
	nicr uint256.Int
	id   uuid.UUID
}

// maxID sorts after every real id with the same ratio, so a probe built with
// it lands behind existing equal keys.
var maxID = uuid.UUID{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
}

func probe(nicr *uint256.Int) entry {
	return entry{nicr: *nicr, id: maxID}
}

// compare orders by nicr descending, then id ascending
func compare(a, b entry) int {
	if c := a.nicr.Cmp(&b.nicr); c != 0 {
		return -c
	}
	return bytes.Compare(a.id[:], b.id[:])
}

func less(a, b entry) bool {
	return compare(a, b) < 0
}

func validate(id uuid.UUID, nicr *uint256.Int) error {
	if id == uuid.Nil {
		return ErrNilID
	}
	if nicr == nil || nicr.IsZero() {
		return ErrZeroNICR
	}
	return nil
}

// neighbourhood is the read side shared by both implementations
type neighbourhood interface {
	Len() int
	Contains(id uuid.UUID) bool
	Key(id uuid.UUID) (*uint256.Int, bool)
	First() uuid.UUID
	Last() uuid.UUID
	Next(id uuid.UUID) uuid.UUID
}

// validInsertPosition reports whether (prevID, nextID) are the exact
// neighbours a new key nicr would sit between. uuid.Nil stands for "none".
func validInsertPosition(ix neighbourhood, nicr *uint256.Int, prevID, nextID uuid.UUID) bool {
	switch {
	case prevID == uuid.Nil && nextID == uuid.Nil:
		return ix.Len() == 0
	case prevID == uuid.Nil:
		next, ok := ix.Key(nextID)
		return ok && ix.First() == nextID && !nicr.Lt(next)
	case nextID == uuid.Nil:
		prev, ok := ix.Key(prevID)
		return ok && ix.Last() == prevID && !nicr.Gt(prev)
	default:
		prev, okPrev := ix.Key(prevID)
		next, okNext := ix.Key(nextID)
		return okPrev && okNext &&
			ix.Next(prevID) == nextID &&
			!prev.Lt(nicr) && !nicr.Lt(next)
	}
}
