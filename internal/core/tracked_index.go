package core

import (
	"fmt"

	"CDPLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// trackedIndex records the inverse of every index mutation in the undo log
type trackedIndex struct {
	OrderedIndex
	undo *state.UndoLog
}

func (t *trackedIndex) Insert(id uuid.UUID, nicr *uint256.Int, prevID, nextID uuid.UUID) error {
	if err := t.OrderedIndex.Insert(id, nicr, prevID, nextID); err != nil {
		return err
	}
	t.undo.Record(func() {
		mustUndo(t.OrderedIndex.Remove(id))
	})
	return nil
}

func (t *trackedIndex) ReInsert(id uuid.UUID, nicr *uint256.Int, prevID, nextID uuid.UUID) error {
	old, ok := t.OrderedIndex.Key(id)
	if err := t.OrderedIndex.ReInsert(id, nicr, prevID, nextID); err != nil {
		return err
	}
	if ok {
		t.undo.Record(func() {
			mustUndo(t.OrderedIndex.ReInsert(id, old, uuid.Nil, uuid.Nil))
		})
	}
	return nil
}

func (t *trackedIndex) Remove(id uuid.UUID) error {
	old, ok := t.OrderedIndex.Key(id)
	if err := t.OrderedIndex.Remove(id); err != nil {
		return err
	}
	if ok {
		t.undo.Record(func() {
			mustUndo(t.OrderedIndex.Insert(id, old, uuid.Nil, uuid.Nil))
		})
	}
	return nil
}

func mustUndo(err error) {
	if err != nil {
		panic(fmt.Sprintf("FATAL: ordered index undo failed: %v", err))
	}
}
