package host

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"CDPLedger/internal/borrow"
	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/ingestion"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/persistence"
	"CDPLedger/internal/pool"
	"CDPLedger/internal/sortedindex"
	"CDPLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

const (
	IndexBTree    = "btree"
	IndexSkipList = "skiplist"
)

// Config selects how the engine is built
type Config struct {
	Operator        uuid.UUID
	Params          state.Params
	IndexKind       string
	InvariantChecks bool
}

// Sinks receive every committed engine output. Persist is sent to with
// blocking semantics; Publish drops when full. Either may be nil.
type Sinks struct {
	Persist chan<- core.CoreOutput
	Publish chan<- *event.Envelope
}

// Host owns the single-writer engine and serialises every caller onto it.
// Reads share the lock; mutations hold it exclusively and forward the
// engine's outputs before releasing it, so sinks see outputs in order.
type Host struct {
	mu sync.RWMutex

	engine   *core.Engine
	borrow   *borrow.Operations
	treasury *pool.Treasury
	feed     *oracle.Feed
	sinks    Sinks
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

// New builds a treasury, an ordered index and an engine around feed
func New(cfg Config, feed *oracle.Feed, sinks Sinks, metrics *observability.Metrics) (*Host, error) {
	var index core.OrderedIndex
	switch cfg.IndexKind {
	case IndexBTree, "":
		index = sortedindex.NewTree()
	case IndexSkipList:
		index = sortedindex.NewSkipList()
	default:
		return nil, fmt.Errorf("unknown index kind %q", cfg.IndexKind)
	}

	treasury := pool.NewTreasury(0)
	treasury.SetInvariantChecks(cfg.InvariantChecks)

	engine, err := core.NewEngine(core.Config{
		Operator:        cfg.Operator,
		Params:          cfg.Params,
		InvariantChecks: cfg.InvariantChecks,
		Metrics:         metrics,
	}, core.Dependencies{
		Oracle: feed,
		Pool:   treasury,
		Pools:  treasury,
		Token:  treasury,
		Index:  index,
	})
	if err != nil {
		return nil, err
	}

	return &Host{
		engine:   engine,
		borrow:   borrow.NewOperations(engine, treasury),
		treasury: treasury,
		feed:     feed,
		sinks:    sinks,
		metrics:  metrics,
		logger:   observability.NewLogger("host"),
	}, nil
}

// Restore loads a stored snapshot. It must run before the first call.
func (h *Host) Restore(snap *persistence.SnapshotData) error {
	st, err := snap.EngineState()
	if err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	balances, err := snap.TreasuryBalances()
	if err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.treasury.Restore(balances, snap.TreasurySequence); err != nil {
		return fmt.Errorf("restore treasury: %w", err)
	}
	if err := h.engine.Restore(st); err != nil {
		return fmt.Errorf("restore engine: %w", err)
	}
	return nil
}

// Snapshot captures engine and treasury state between calls
func (h *Host) Snapshot() *persistence.SnapshotData {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return persistence.NewSnapshotData(h.engine.Export(), h.treasury.Balances(), h.treasury.Sequence())
}

// Sequence is the sequence the next output will carry
func (h *Host) Sequence() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.engine.Sequence()
}

// mutate runs fn under the write lock and forwards whatever the engine
// committed, including outputs of calls that later failed in fn.
func (h *Host) mutate(fn func() error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	err := fn()
	h.forward()
	return err
}

func (h *Host) forward() {
	for _, out := range h.engine.TakeOutputs() {
		if h.sinks.Persist != nil {
			select {
			case h.sinks.Persist <- out:
			default:
				if h.metrics != nil {
					h.metrics.PersistBackpressure.Inc()
				}
				h.sinks.Persist <- out
			}
		}

		if h.sinks.Publish != nil {
			select {
			case h.sinks.Publish <- out.Envelope:
			default:
				if h.metrics != nil {
					h.metrics.PublishDrops.Inc()
				}
				h.logger.Warn().Int64("sequence", out.Envelope.Sequence).Msg("publish channel full, dropping")
			}
		}
	}
}

// --- Prices ---

// ApplyPrice forwards an oracle observation to the feed
func (h *Host) ApplyPrice(price *uint256.Int, sequence int64) error {
	return h.feed.SetPrice(price, sequence)
}

// --- Permissionless entry points ---

func (h *Host) Liquidate(liquidator, id uuid.UUID) (res *core.LiquidationResult, err error) {
	err = h.mutate(func() error {
		res, err = h.engine.Liquidate(liquidator, id)
		return err
	})
	return res, err
}

func (h *Host) LiquidatePositions(liquidator uuid.UUID, n int) (res *core.LiquidationResult, err error) {
	err = h.mutate(func() error {
		res, err = h.engine.LiquidatePositions(liquidator, n)
		return err
	})
	return res, err
}

func (h *Host) BatchLiquidate(liquidator uuid.UUID, ids []uuid.UUID) (res *core.LiquidationResult, err error) {
	err = h.mutate(func() error {
		res, err = h.engine.BatchLiquidate(liquidator, ids)
		return err
	})
	return res, err
}

// Redeem computes fresh hints and redeems under one lock, so the hints cannot
// go stale in between.
func (h *Host) Redeem(redeemer uuid.UUID, amount *uint256.Int, maxIterations int) (res *core.RedemptionResult, err error) {
	err = h.mutate(func() error {
		hints, err := h.engine.RedemptionHints(amount, maxIterations)
		if err != nil {
			return err
		}
		res, err = h.engine.Redeem(core.RedemptionRequest{
			Redeemer:      redeemer,
			Amount:        amount,
			FirstHint:     hints.FirstHint,
			UpperHint:     hints.UpperHint,
			LowerHint:     hints.LowerHint,
			PartialNICR:   hints.PartialNICR,
			MaxIterations: maxIterations,
		})
		return err
	})
	return res, err
}

// RedeemWithHints executes a request with the caller's own hints. A hint
// that went stale since it was computed ends the walk early.
func (h *Host) RedeemWithHints(req core.RedemptionRequest) (res *core.RedemptionResult, err error) {
	err = h.mutate(func() error {
		res, err = h.engine.Redeem(req)
		return err
	})
	return res, err
}

// --- Borrower operations ---

func (h *Host) OpenPosition(owner uuid.UUID, coll, debt *uint256.Int) error {
	return h.mutate(func() error {
		return h.borrow.OpenPosition(owner, coll, debt, h.insertHints(coll, debt))
	})
}

func (h *Host) AdjustPosition(owner uuid.UUID, adj borrow.Adjustment) error {
	return h.mutate(func() error {
		return h.borrow.AdjustPosition(owner, adj, borrow.Hints{})
	})
}

func (h *Host) ClosePosition(owner uuid.UUID) error {
	return h.mutate(func() error {
		return h.borrow.ClosePosition(owner)
	})
}

func (h *Host) Deposit(owner uuid.UUID, coll *uint256.Int) error {
	return h.mutate(func() error {
		return h.borrow.Deposit(owner, coll)
	})
}

func (h *Host) Withdraw(owner uuid.UUID, coll *uint256.Int) error {
	return h.mutate(func() error {
		return h.borrow.Withdraw(owner, coll)
	})
}

func (h *Host) ProvideToStabilityPool(owner uuid.UUID, amount *uint256.Int) error {
	return h.mutate(func() error {
		return h.borrow.ProvideToStabilityPool(owner, amount)
	})
}

// insertHints finds the index neighbours for a new position's ratio
func (h *Host) insertHints(coll, debt *uint256.Int) borrow.Hints {
	if coll == nil || debt == nil || debt.IsZero() {
		return borrow.Hints{}
	}
	upper, lower := h.engine.Index().FindInsertPosition(fpmath.ComputeNominalCR(coll, debt), uuid.Nil, uuid.Nil)
	return borrow.Hints{Upper: upper, Lower: lower}
}

// --- Inbound messages ---

// Run consumes raw deliveries until ctx is cancelled or rawChan closes.
func (h *Host) Run(ctx context.Context, rawChan <-chan ingestion.RawEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-rawChan:
			if !ok {
				return
			}
			h.HandleRaw(raw)
		}
	}
}

// HandleRaw parses and executes one delivery. Malformed messages and
// rejected calls are acked and logged: redelivery would fail the same way.
func (h *Host) HandleRaw(raw ingestion.RawEvent) {
	msg, err := ingestion.ParseRawEvent(raw)
	if err != nil {
		h.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed message")
		raw.Ack()
		return
	}

	if err := h.Dispatch(msg); err != nil {
		h.logger.Warn().
			Err(err).
			Str("subject", raw.Subject).
			Str("kind", string(msg.Kind())).
			Msg("message rejected")
	}
	raw.Ack()
}

// Dispatch executes one typed message
func (h *Host) Dispatch(msg ingestion.Message) error {
	switch m := msg.(type) {
	case ingestion.PriceUpdate:
		err := h.ApplyPrice(m.Price, m.Sequence)
		if errors.Is(err, oracle.ErrStalePrice) {
			h.logger.Debug().Int64("sequence", m.Sequence).Msg("stale price ignored")
			return nil
		}
		return err

	case ingestion.LiquidationRequest:
		var err error
		if len(m.Owners) > 0 {
			_, err = h.BatchLiquidate(m.Liquidator, m.Owners)
		} else {
			_, err = h.LiquidatePositions(m.Liquidator, m.Count)
		}
		return err

	case ingestion.RedemptionRequest:
		if m.HasHints() {
			_, err := h.RedeemWithHints(core.RedemptionRequest{
				Redeemer:      m.Redeemer,
				Amount:        m.Amount,
				FirstHint:     m.FirstHint,
				UpperHint:     m.UpperHint,
				LowerHint:     m.LowerHint,
				PartialNICR:   m.PartialNICR,
				MaxIterations: m.MaxIterations,
			})
			return err
		}
		_, err := h.Redeem(m.Redeemer, m.Amount, m.MaxIterations)
		return err

	default:
		return fmt.Errorf("%w: %T", ingestion.ErrUnknownKind, msg)
	}
}
