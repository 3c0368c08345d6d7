// Package core is the CDP engine: liquidation, redistribution, redemption and
// the privileged position-adjustment surface, over the position ledger,
// reward accumulator and stake bookkeeping in internal/state.
package core

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"time"

	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

var (
	ErrUnauthorized       = errors.New("core: caller is not the privileged operator")
	ErrReentrantCall      = errors.New("core: reentrant call")
	ErrPositionNotActive  = errors.New("core: position is not active")
	ErrNothingToLiquidate = errors.New("core: nothing to liquidate")
	ErrEmptyList          = errors.New("core: empty liquidation list")
	ErrZeroAmount         = errors.New("core: amount must be positive")
	ErrInsufficientStable = errors.New("core: insufficient stable balance")
	ErrTCRBelowMCR        = errors.New("core: total collateral ratio below MCR")
	ErrLastPosition       = errors.New("core: the last active position cannot be closed")
	ErrMissingDependency  = errors.New("core: missing dependency")
)

// Config carries the engine settings
type Config struct {
	// Operator is the only identity allowed on the privileged surface
	Operator        uuid.UUID
	Params          state.Params
	InvariantChecks bool
	// StartSequence is the sequence of the first output
	StartSequence int64
	Metrics       *observability.Metrics
}

// Dependencies are the collaborators the engine consumes
type Dependencies struct {
	Oracle PriceOracle
	Pool   AbsorbingPool
	Pools  PoolManager
	Token  StableToken
	Index  OrderedIndex
}

// CoreOutput is everything one committed call produced
type CoreOutput struct {
	Envelope *event.Envelope
	Batches  []*ledger.Batch
}

// Engine is the single-writer CDP engine. It is not safe for concurrent use;
// the host serialises callers.
type Engine struct {
	operator uuid.UUID
	params   state.Params

	undo    *state.UndoLog
	ledger  *state.Ledger
	rewards *state.Rewards
	stakes  *state.Stakes
	index   *trackedIndex

	oracle PriceOracle
	pool   AbsorbingPool
	pools  PoolManager
	token  StableToken

	checkpointers []Checkpointer
	batchSources  []BatchSource

	guard      reentrancyGuard
	hasher     *StateHasher
	sequence   int64
	invariants bool
	metrics    *observability.Metrics
	logger     zerolog.Logger

	call    *callContext
	outputs []CoreOutput
}

// callContext collects what a call touched so the envelope can be built on commit
type callContext struct {
	op      string
	caller  uuid.UUID
	events  []event.Event
	touched map[uuid.UUID]string
	rewards state.RewardState
	stakes  state.StakeState
}

func NewEngine(cfg Config, deps Dependencies) (*Engine, error) {
	if deps.Oracle == nil || deps.Pool == nil || deps.Pools == nil || deps.Token == nil || deps.Index == nil {
		return nil, ErrMissingDependency
	}
	if err := state.ValidateParams(cfg.Params); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if cfg.Operator == uuid.Nil {
		return nil, fmt.Errorf("operator identity is required")
	}

	undo := state.NewUndoLog()
	positions := state.NewLedger(undo)

	e := &Engine{
		operator:   cfg.Operator,
		params:     cfg.Params.Clone(),
		undo:       undo,
		ledger:     positions,
		rewards:    state.NewRewards(undo),
		stakes:     state.NewStakes(positions, undo),
		index:      &trackedIndex{OrderedIndex: deps.Index, undo: undo},
		oracle:     deps.Oracle,
		pool:       deps.Pool,
		pools:      deps.Pools,
		token:      deps.Token,
		hasher:     NewStateHasher(),
		sequence:   cfg.StartSequence,
		invariants: cfg.InvariantChecks,
		metrics:    cfg.Metrics,
		logger:     observability.NewLogger("core"),
	}

	// The treasury usually stands behind several interfaces at once
	for _, dep := range []any{deps.Oracle, deps.Pool, deps.Pools, deps.Token} {
		if c, ok := dep.(Checkpointer); ok && !slices.Contains(e.checkpointers, c) {
			e.checkpointers = append(e.checkpointers, c)
		}
		if b, ok := dep.(BatchSource); ok && !slices.Contains(e.batchSources, b) {
			e.batchSources = append(e.batchSources, b)
		}
	}

	return e, nil
}

// execute runs fn as one all-or-nothing call: the undo log and every
// checkpointing collaborator are rolled back on error or arithmetic panic.
func (e *Engine) execute(op string, caller uuid.UUID, fn func() error) (err error) {
	if !e.guard.enter() {
		e.reject(op, "reentrant")
		return ErrReentrantCall
	}
	defer e.guard.exit()

	start := time.Now()

	// Step 1: Open checkpoints
	e.undo.Begin()
	for _, c := range e.checkpointers {
		c.Checkpoint()
	}
	e.call = &callContext{
		op:      op,
		caller:  caller,
		touched: make(map[uuid.UUID]string),
		rewards: e.rewards.State(),
		stakes:  e.stakes.State(),
	}
	defer func() { e.call = nil }()

	// Step 2: Arithmetic guard
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		e.rollback(op)
		aerr, ok := r.(*fpmath.ArithmeticError)
		if !ok {
			panic(r)
		}
		e.logger.Error().
			Str("operation", op).
			Str("caller", caller.String()).
			Err(aerr).
			Msg("call aborted by arithmetic guard")
		e.reject(op, "arithmetic")
		err = fmt.Errorf("%s: %w", op, aerr)
	}()

	// Step 3: Run the call
	if err = fn(); err != nil {
		e.rollback(op)
		e.reject(op, reason(err))
		return err
	}

	// Step 4: Post-checks
	if e.invariants {
		if verr := e.CheckInvariants(); verr != nil {
			panic(fmt.Sprintf("FATAL: invariant violated after %s: %v", op, verr))
		}
		if verr := e.checkMonotonic(); verr != nil {
			panic(fmt.Sprintf("FATAL: invariant violated after %s: %v", op, verr))
		}
	}

	// Step 5: Commit and emit
	e.undo.Commit()
	for _, c := range e.checkpointers {
		c.Commit()
	}
	e.emit()

	if e.metrics != nil {
		e.metrics.CoreCallsApplied.WithLabelValues(op).Inc()
		e.metrics.CoreCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		e.metrics.CoreSequence.Set(float64(e.sequence))
		e.metrics.LColl.Set(observability.Units(e.rewards.LColl()))
		e.metrics.LDebt.Set(observability.Units(e.rewards.LDebt()))
		e.metrics.TotalStakes.Set(observability.Units(e.stakes.Total()))
		e.metrics.ActivePositions.Set(float64(e.ledger.OwnerCount()))
		e.metrics.StabilityPoolBalance.Set(observability.Units(e.pool.Balance()))
	}
	return nil
}

func (e *Engine) rollback(op string) {
	e.undo.Rollback()
	for i := len(e.checkpointers) - 1; i >= 0; i-- {
		e.checkpointers[i].Rollback()
	}
	if e.metrics != nil {
		e.metrics.CoreRollbacks.WithLabelValues(op).Inc()
	}
}

func (e *Engine) reject(op, why string) {
	if e.metrics != nil {
		e.metrics.CoreCallsRejected.WithLabelValues(op, why).Inc()
	}
}

func reason(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNothingToLiquidate):
		return "nothing_to_liquidate"
	case errors.Is(err, ErrPositionNotActive):
		return "not_active"
	case errors.Is(err, ErrInsufficientStable):
		return "insufficient_stable"
	case errors.Is(err, ErrTCRBelowMCR):
		return "tcr_below_mcr"
	default:
		return "error"
	}
}

// touch marks a position for the state digest and PositionUpdated events
func (e *Engine) touch(id uuid.UUID) {
	if e.call != nil {
		e.call.touched[id] = e.call.op
	}
}

func (e *Engine) record(ev event.Event) {
	if e.call != nil {
		e.call.events = append(e.call.events, ev)
	}
}

// emit turns the committed call into an output. Calls that changed nothing
// produce no output and do not advance the sequence.
func (e *Engine) emit() {
	call := e.call

	var batches []*ledger.Batch
	for _, src := range e.batchSources {
		batches = append(batches, src.Drain()...)
	}

	ids := make([]uuid.UUID, 0, len(call.touched))
	for id := range call.touched {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b uuid.UUID) int { return bytes.Compare(a[:], b[:]) })

	events := call.events
	for _, id := range ids {
		p := e.ledger.Position(id)
		events = append(events, &event.PositionUpdated{
			Owner:  id,
			Debt:   p.Debt.Clone(),
			Coll:   p.Coll.Clone(),
			Stake:  p.Stake.Clone(),
			Status: p.Status.String(),
			Reason: call.touched[id],
		})
	}

	rs, ss := e.rewards.State(), e.stakes.State()
	if !rs.LColl.Eq(&call.rewards.LColl) || !rs.LDebt.Eq(&call.rewards.LDebt) {
		events = append(events, &event.RewardTermsUpdated{LColl: rs.LColl.Clone(), LDebt: rs.LDebt.Clone()})
	}
	if !ss.Total.Eq(&call.stakes.Total) {
		events = append(events, &event.TotalStakesUpdated{TotalStakes: ss.Total.Clone()})
	}
	if !ss.TotalSnapshot.Eq(&call.stakes.TotalSnapshot) || !ss.TotalCollateralSnapshot.Eq(&call.stakes.TotalCollateralSnapshot) {
		events = append(events, &event.SystemSnapshotsUpdated{
			TotalStakesSnapshot:     ss.TotalSnapshot.Clone(),
			TotalCollateralSnapshot: ss.TotalCollateralSnapshot.Clone(),
		})
	}

	if len(events) == 0 && len(batches) == 0 {
		return
	}

	prevHash := e.hasher.GetPrevHash()
	stateHash := e.hasher.ComputeHash(e.sequence, e.computeStateDigest(ids))

	e.outputs = append(e.outputs, CoreOutput{
		Envelope: &event.Envelope{
			Sequence:    e.sequence,
			Operation:   call.op,
			OperationID: uuid.New(),
			Caller:      call.caller,
			Events:      events,
			StateHash:   stateHash,
			PrevHash:    prevHash,
		},
		Batches: batches,
	})
	e.sequence++
}

// computeStateDigest creates canonical bytes for the state hash: touched
// positions in owner order followed by the global accumulator and stake values.
func (e *Engine) computeStateDigest(ids []uuid.UUID) []byte {
	digest := make([]byte, 0, len(ids)*128+7*32)

	for _, id := range ids {
		p := e.ledger.Position(id)
		digest = append(digest, p.CanonicalBytes()...)
	}

	rs, ss := e.rewards.State(), e.stakes.State()
	for _, v := range []*uint256.Int{
		&rs.LColl, &rs.LDebt, &rs.LastCollError, &rs.LastDebtError,
		&ss.Total, &ss.TotalSnapshot, &ss.TotalCollateralSnapshot,
	} {
		b := v.Bytes32()
		digest = append(digest, b[:]...)
	}

	return digest
}

// TakeOutputs hands over the outputs of every call committed since the last take
func (e *Engine) TakeOutputs() []CoreOutput {
	out := e.outputs
	e.outputs = nil
	return out
}

// Sequence is the sequence the next output will carry
func (e *Engine) Sequence() int64 {
	return e.sequence
}

func (e *Engine) Operator() uuid.UUID {
	return e.operator
}

func (e *Engine) price() (*uint256.Int, error) {
	price, err := e.oracle.Price()
	if err != nil {
		return nil, fmt.Errorf("price: %w", err)
	}
	if price == nil || price.IsZero() {
		return nil, fmt.Errorf("price: oracle returned zero")
	}
	return price, nil
}

func (e *Engine) observeSystem(price *uint256.Int) {
	if e.metrics == nil {
		return
	}
	tcr := e.totalCollateralRatio(price)
	e.metrics.TotalCollateralRatio.Set(observability.Units(tcr))
	if tcr.Lt(e.params.CCR) {
		e.metrics.RecoveryMode.Set(1)
	} else {
		e.metrics.RecoveryMode.Set(0)
	}
}
