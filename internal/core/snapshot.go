package core

import (
	"fmt"

	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// State is the full engine state needed to resume after a restart. The
// ordered index is rebuilt from IndexKeys; an Active position without a key
// is placed at the ratio of its stored amounts.
type State struct {
	Sequence  int64
	PrevHash  [32]byte
	Params    state.Params
	Positions []state.Position
	Snapshots map[uuid.UUID]state.RewardSnapshot
	Rewards   state.RewardState
	Stakes    state.StakeState
	IndexKeys map[uuid.UUID]*uint256.Int
}

// Export copies the engine state. It must not be called during a call.
func (e *Engine) Export() State {
	return State{
		Sequence:  e.sequence,
		PrevHash:  e.hasher.GetPrevHash(),
		Params:    e.params.Clone(),
		Positions: e.ledger.Positions(),
		Snapshots: e.rewards.Snapshots(),
		Rewards:   e.rewards.State(),
		Stakes:    e.stakes.State(),
		IndexKeys: e.indexKeys(),
	}
}

func (e *Engine) indexKeys() map[uuid.UUID]*uint256.Int {
	keys := make(map[uuid.UUID]*uint256.Int, e.index.Len())
	for id := e.index.First(); id != uuid.Nil; id = e.index.Next(id) {
		if key, ok := e.index.Key(id); ok {
			keys[id] = key
		}
	}
	return keys
}

// Restore replaces the engine state. The ordered index given to NewEngine
// must be empty.
func (e *Engine) Restore(st State) error {
	if e.undo.Active() {
		return fmt.Errorf("restore during a call")
	}
	if e.index.Len() != 0 {
		return fmt.Errorf("restore: ordered index is not empty")
	}
	if err := state.ValidateParams(st.Params); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	if err := e.ledger.Restore(st.Positions); err != nil {
		return err
	}

	e.rewards.Restore(st.Rewards, st.Snapshots)
	e.stakes.Restore(st.Stakes)
	e.params = st.Params.Clone()
	e.sequence = st.Sequence
	e.hasher.SetPrevHash(st.PrevHash)

	for _, p := range st.Positions {
		if p.Status != state.StatusActive {
			continue
		}
		nicr, ok := st.IndexKeys[p.Owner]
		if !ok || nicr == nil {
			nicr = fpmath.ComputeNominalCR(&p.Coll, &p.Debt)
		}
		if err := e.index.OrderedIndex.Insert(p.Owner, nicr, uuid.Nil, uuid.Nil); err != nil {
			return fmt.Errorf("restore index %s: %w", p.Owner, err)
		}
	}

	if err := e.CheckInvariants(); err != nil {
		return fmt.Errorf("restored state is inconsistent: %w", err)
	}

	e.logger.Info().
		Int64("sequence", st.Sequence).
		Int("positions", len(st.Positions)).
		Int("active", e.ledger.OwnerCount()).
		Msg("engine state restored")
	return nil
}
