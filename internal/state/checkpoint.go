package state

// UndoLog records inverse mutations while a call is in flight so that the
// whole call can be discarded on failure. Mutators append an undo closure via
// Record; Rollback replays them newest first.
type UndoLog struct {
	active  bool
	entries []func()
}

func NewUndoLog() *UndoLog {
	return &UndoLog{}
}

// Begin opens a checkpoint. Nested checkpoints are not supported.
func (u *UndoLog) Begin() {
	if u.active {
		panic("FATAL: undo log checkpoint already open")
	}
	u.active = true
	u.entries = u.entries[:0]
}

// Active reports whether a checkpoint is open
func (u *UndoLog) Active() bool {
	return u != nil && u.active
}

// Record appends an undo step. Outside a checkpoint it is a no-op.
func (u *UndoLog) Record(undo func()) {
	if !u.Active() {
		return
	}
	u.entries = append(u.entries, undo)
}

// Len returns the number of recorded undo steps
func (u *UndoLog) Len() int {
	if u == nil {
		return 0
	}
	return len(u.entries)
}

// Commit closes the checkpoint and keeps all mutations
func (u *UndoLog) Commit() {
	u.active = false
	clear(u.entries)
	u.entries = u.entries[:0]
}

// Rollback reverts every mutation recorded since Begin
func (u *UndoLog) Rollback() {
	// Stop recording first: undo steps call the same mutators.
	u.active = false
	for i := len(u.entries) - 1; i >= 0; i-- {
		u.entries[i]()
	}
	clear(u.entries)
	u.entries = u.entries[:0]
}
