package core

import "sync/atomic"

// reentrancyGuard rejects a mutating call while another is in flight,
// including one issued by a collaborator from inside a settlement.
type reentrancyGuard struct {
	busy atomic.Bool
}

func (g *reentrancyGuard) enter() bool {
	return g.busy.CompareAndSwap(false, true)
}

func (g *reentrancyGuard) exit() {
	g.busy.Store(false)
}
