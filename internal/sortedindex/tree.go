package sortedindex

import (
	"fmt"

	"github.com/google/btree"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

const treeDegree = 32

// Tree is an ordered index on a generic B-tree
type Tree struct {
	tree *btree.BTreeG[entry]
	keys map[uuid.UUID]uint256.Int
}

func NewTree() *Tree {
	return &Tree{
		tree: btree.NewG[entry](treeDegree, less),
		keys: make(map[uuid.UUID]uint256.Int),
	}
}

// Insert adds id at nicr. The hints are advisory: a B-tree finds the slot in
// O(log n) either way.
func (t *Tree) Insert(id uuid.UUID, nicr *uint256.Int, prevID, nextID uuid.UUID) error {
	if err := validate(id, nicr); err != nil {
		return err
	}
	if t.Contains(id) {
		return fmt.Errorf("insert %s: %w", id, ErrAlreadyExists)
	}
	t.tree.ReplaceOrInsert(entry{nicr: *nicr, id: id})
	t.keys[id] = *nicr
	return nil
}

// ReInsert moves an existing id to a new key
func (t *Tree) ReInsert(id uuid.UUID, nicr *uint256.Int, prevID, nextID uuid.UUID) error {
	if err := validate(id, nicr); err != nil {
		return err
	}
	if err := t.Remove(id); err != nil {
		return fmt.Errorf("reinsert: %w", err)
	}
	return t.Insert(id, nicr, prevID, nextID)
}

func (t *Tree) Remove(id uuid.UUID) error {
	key, ok := t.keys[id]
	if !ok {
		return fmt.Errorf("remove %s: %w", id, ErrNotFound)
	}
	t.tree.Delete(entry{nicr: key, id: id})
	delete(t.keys, id)
	return nil
}

func (t *Tree) Contains(id uuid.UUID) bool {
	_, ok := t.keys[id]
	return ok
}

func (t *Tree) Len() int {
	return t.tree.Len()
}

func (t *Tree) Key(id uuid.UUID) (*uint256.Int, bool) {
	key, ok := t.keys[id]
	if !ok {
		return nil, false
	}
	return key.Clone(), true
}

// First returns the best ratio, or uuid.Nil when empty
func (t *Tree) First() uuid.UUID {
	e, ok := t.tree.Min()
	if !ok {
		return uuid.Nil
	}
	return e.id
}

// Last returns the worst ratio, or uuid.Nil when empty
func (t *Tree) Last() uuid.UUID {
	e, ok := t.tree.Max()
	if !ok {
		return uuid.Nil
	}
	return e.id
}

// Next returns the neighbour toward worse ratios
func (t *Tree) Next(id uuid.UUID) uuid.UUID {
	key, ok := t.keys[id]
	if !ok {
		return uuid.Nil
	}
	self := entry{nicr: key, id: id}
	next := uuid.Nil
	t.tree.AscendGreaterOrEqual(self, func(e entry) bool {
		if e.id == id {
			return true
		}
		next = e.id
		return false
	})
	return next
}

// Prev returns the neighbour toward better ratios
func (t *Tree) Prev(id uuid.UUID) uuid.UUID {
	key, ok := t.keys[id]
	if !ok {
		return uuid.Nil
	}
	self := entry{nicr: key, id: id}
	prev := uuid.Nil
	t.tree.DescendLessOrEqual(self, func(e entry) bool {
		if e.id == id {
			return true
		}
		prev = e.id
		return false
	})
	return prev
}

func (t *Tree) ValidInsertPosition(nicr *uint256.Int, prevID, nextID uuid.UUID) bool {
	return validInsertPosition(t, nicr, prevID, nextID)
}

// FindInsertPosition returns the hints when they are valid, otherwise the
// actual neighbours for nicr. New keys go behind existing equal keys.
func (t *Tree) FindInsertPosition(nicr *uint256.Int, prevID, nextID uuid.UUID) (uuid.UUID, uuid.UUID) {
	if t.ValidInsertPosition(nicr, prevID, nextID) {
		return prevID, nextID
	}

	p := probe(nicr)
	prev, next := uuid.Nil, uuid.Nil
	t.tree.DescendLessOrEqual(p, func(e entry) bool {
		prev = e.id
		return false
	})
	t.tree.AscendGreaterOrEqual(p, func(e entry) bool {
		if compare(e, p) == 0 {
			return true
		}
		next = e.id
		return false
	})
	return prev, next
}
