package state

import (
	"bytes"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotActive         = errors.New("position is not active")
	ErrAlreadyListed     = errors.New("owner already listed")
	ErrNotListed         = errors.New("owner not listed")
)

// Ledger maps account identity to position state and keeps the owner list
// of Active positions. Removal from the owner list is an O(1) swap-remove.
type Ledger struct {
	positions map[uuid.UUID]*Position
	owners    []uuid.UUID
	undo      *UndoLog
}

func NewLedger(undo *UndoLog) *Ledger {
	return &Ledger{
		positions: make(map[uuid.UUID]*Position),
		owners:    make([]uuid.UUID, 0, 64),
		undo:      undo,
	}
}

// Position returns a copy of the stored position. Unknown accounts yield a
// NonExistent zero position.
func (l *Ledger) Position(id uuid.UUID) Position {
	if p, ok := l.positions[id]; ok {
		return *p
	}
	return Position{Owner: id}
}

func (l *Ledger) Status(id uuid.UUID) Status {
	if p, ok := l.positions[id]; ok {
		return p.Status
	}
	return StatusNonExistent
}

func (l *Ledger) Debt(id uuid.UUID) *uint256.Int {
	if p, ok := l.positions[id]; ok {
		return p.Debt.Clone()
	}
	return new(uint256.Int)
}

func (l *Ledger) Coll(id uuid.UUID) *uint256.Int {
	if p, ok := l.positions[id]; ok {
		return p.Coll.Clone()
	}
	return new(uint256.Int)
}

func (l *Ledger) Stake(id uuid.UUID) *uint256.Int {
	if p, ok := l.positions[id]; ok {
		return p.Stake.Clone()
	}
	return new(uint256.Int)
}

// entry returns the mutable record for id, creating a NonExistent one if needed.
// Every field change on it must be preceded by a call to save.
func (l *Ledger) entry(id uuid.UUID) *Position {
	p, ok := l.positions[id]
	if !ok {
		p = &Position{Owner: id}
		l.positions[id] = p
		l.undo.Record(func() { delete(l.positions, id) })
	}
	return p
}

func (l *Ledger) save(p *Position) {
	old := *p
	l.undo.Record(func() { *p = old })
}

// SetStatus moves a position along its lifecycle
func (l *Ledger) SetStatus(id uuid.UUID, next Status) error {
	if id == uuid.Nil {
		return fmt.Errorf("set status: nil account")
	}
	cur := l.Status(id)
	if !cur.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, cur, next, id)
	}
	p := l.entry(id)
	l.save(p)
	p.Status = next
	return nil
}

func (l *Ledger) SetDebt(id uuid.UUID, debt *uint256.Int) {
	p := l.entry(id)
	l.save(p)
	p.Debt.Set(debt)
}

func (l *Ledger) SetColl(id uuid.UUID, coll *uint256.Int) {
	p := l.entry(id)
	l.save(p)
	p.Coll.Set(coll)
}

// setStake is reserved to Stakes so that TotalStakes always moves with it
func (l *Ledger) setStake(id uuid.UUID, stake *uint256.Int) {
	p := l.entry(id)
	l.save(p)
	p.Stake.Set(stake)
}

// IsListed reports whether id currently occupies a slot in the owner list
func (l *Ledger) IsListed(id uuid.UUID) bool {
	p, ok := l.positions[id]
	if !ok {
		return false
	}
	return p.OwnerIndex >= 0 && p.OwnerIndex < len(l.owners) && l.owners[p.OwnerIndex] == id
}

// AddOwner appends an Active position to the owner list and returns its index
func (l *Ledger) AddOwner(id uuid.UUID) (int, error) {
	if l.Status(id) != StatusActive {
		return 0, fmt.Errorf("add owner %s: %w", id, ErrNotActive)
	}
	if l.IsListed(id) {
		return 0, fmt.Errorf("add owner %s: %w", id, ErrAlreadyListed)
	}

	p := l.positions[id]
	oldIndex := p.OwnerIndex
	idx := len(l.owners)

	l.owners = append(l.owners, id)
	p.OwnerIndex = idx

	l.undo.Record(func() {
		l.owners = l.owners[:idx]
		p.OwnerIndex = oldIndex
	})

	return idx, nil
}

// RemoveOwner swap-removes id: the last entry takes its slot and has its
// OwnerIndex rewritten. Order is not preserved.
func (l *Ledger) RemoveOwner(id uuid.UUID) error {
	if !l.IsListed(id) {
		return fmt.Errorf("remove owner %s: %w", id, ErrNotListed)
	}

	p := l.positions[id]
	idx := p.OwnerIndex
	lastIdx := len(l.owners) - 1
	last := l.owners[lastIdx]

	l.owners[idx] = last
	l.positions[last].OwnerIndex = idx
	l.owners = l.owners[:lastIdx]
	p.OwnerIndex = 0

	l.undo.Record(func() {
		l.owners = append(l.owners, last)
		l.owners[idx] = id
		l.positions[last].OwnerIndex = lastIdx
		p.OwnerIndex = idx
	})

	return nil
}

func (l *Ledger) OwnerCount() int {
	return len(l.owners)
}

func (l *Ledger) OwnerAt(index int) (uuid.UUID, error) {
	if index < 0 || index >= len(l.owners) {
		return uuid.Nil, fmt.Errorf("owner index %d out of range [0, %d)", index, len(l.owners))
	}
	return l.owners[index], nil
}

// Owners returns a copy of the owner list in list order
func (l *Ledger) Owners() []uuid.UUID {
	return slices.Clone(l.owners)
}

// ActiveCount counts Active positions by scanning the map
func (l *Ledger) ActiveCount() int {
	n := 0
	for _, p := range l.positions {
		if p.Status == StatusActive {
			n++
		}
	}
	return n
}

// Positions returns copies of every known position ordered by owner bytes
func (l *Ledger) Positions() []Position {
	out := make([]Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, *p)
	}
	slices.SortFunc(out, func(a, b Position) int {
		return bytes.Compare(a.Owner[:], b.Owner[:])
	})
	return out
}

// Restore replaces the ledger contents, rebuilding the owner list from each
// Active position's OwnerIndex. Used on snapshot load, never inside a call.
func (l *Ledger) Restore(positions []Position) error {
	byID := make(map[uuid.UUID]*Position, len(positions))
	active := make([]uuid.UUID, 0, len(positions))

	for i := range positions {
		p := positions[i]
		if _, dup := byID[p.Owner]; dup {
			return fmt.Errorf("restore: duplicate position %s", p.Owner)
		}
		byID[p.Owner] = &p
		if p.Status == StatusActive {
			active = append(active, p.Owner)
		}
	}

	owners := make([]uuid.UUID, len(active))
	for _, id := range active {
		idx := byID[id].OwnerIndex
		if idx < 0 || idx >= len(owners) {
			return fmt.Errorf("restore: position %s has owner index %d out of range", id, idx)
		}
		if owners[idx] != uuid.Nil {
			return fmt.Errorf("restore: owner index collision at %d", idx)
		}
		owners[idx] = id
	}

	l.positions = byID
	l.owners = owners
	return nil
}
