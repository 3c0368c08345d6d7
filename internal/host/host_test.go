package host_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/host"
	"CDPLedger/internal/ingestion"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/persistence"
	"CDPLedger/internal/state"
	"CDPLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	host    *host.Host
	feed    *oracle.Feed
	persist chan core.CoreOutput
	publish chan *event.Envelope
}

func newHarness(t *testing.T, publishCap int) *harness {
	t.Helper()
	feed := oracle.NewFeed(nil)
	require.NoError(t, feed.SetPrice(testutil.Units(200), 1))

	h := &harness{
		feed:    feed,
		persist: make(chan core.CoreOutput, 256),
		publish: make(chan *event.Envelope, publishCap),
	}
	var err error
	h.host, err = host.New(host.Config{
		Operator:        uuid.New(),
		Params:          state.DefaultParams(),
		IndexKind:       host.IndexSkipList,
		InvariantChecks: true,
	}, feed, host.Sinks{Persist: h.persist, Publish: h.publish}, nil)
	require.NoError(t, err)
	return h
}

func (h *harness) open(t *testing.T, coll, debt string) uuid.UUID {
	t.Helper()
	owner := uuid.New()
	require.NoError(t, h.host.Deposit(owner, testutil.Amount(coll)))
	require.NoError(t, h.host.OpenPosition(owner, testutil.Amount(coll), testutil.Amount(debt)))
	return owner
}

func drain[T any](ch chan T) []T {
	var out []T
	for {
		select {
		case v := <-ch:
			out = append(out, v)
		default:
			return out
		}
	}
}

type ackCounter struct {
	acks, naks atomic.Int32
}

func (c *ackCounter) raw(kind ingestion.Kind, body string) ingestion.RawEvent {
	return ingestion.RawEvent{
		Subject: "test",
		Kind:    kind,
		Data:    []byte(body),
		AckFunc: func() { c.acks.Add(1) },
		NakFunc: func() { c.naks.Add(1) },
	}
}

func TestNew_RejectsUnknownIndex(t *testing.T) {
	_, err := host.New(host.Config{
		Operator:  uuid.New(),
		Params:    state.DefaultParams(),
		IndexKind: "heap",
	}, oracle.NewFeed(nil), host.Sinks{}, nil)
	assert.Error(t, err)
}

func TestHost_ForwardsOutputsInOrder(t *testing.T) {
	h := newHarness(t, 1)
	h.open(t, "10", "1000")
	h.open(t, "20", "1000")

	persisted := drain(h.persist)
	require.Len(t, persisted, 4)
	for i, out := range persisted {
		assert.Equal(t, int64(i), out.Envelope.Sequence)
	}
	assert.Equal(t, "deposit", persisted[0].Envelope.Operation)
	assert.Equal(t, "open_position", persisted[1].Envelope.Operation)

	// The publish side drops once full instead of blocking the engine
	published := drain(h.publish)
	require.Len(t, published, 1)
	assert.Equal(t, int64(0), published[0].Sequence)
	assert.Equal(t, int64(4), h.host.Sequence())
}

func TestHost_FailedCallsForwardNothing(t *testing.T) {
	h := newHarness(t, 8)
	owner := uuid.New()
	require.Error(t, h.host.OpenPosition(owner, testutil.Units(10), testutil.Units(1000)))
	assert.Empty(t, drain(h.persist))
	assert.Equal(t, int64(0), h.host.Sequence())
}

func TestHost_HandleRaw(t *testing.T) {
	h := newHarness(t, 64)
	a := h.open(t, "10", "1000")
	b := h.open(t, "100", "5000")
	require.NoError(t, h.host.ProvideToStabilityPool(b, testutil.Units(2000)))
	drain(h.persist)

	var c ackCounter
	h.host.HandleRaw(c.raw(ingestion.KindPriceUpdate, `{"price":"105","sequence":2}`))
	h.host.HandleRaw(c.raw(ingestion.KindPriceUpdate, `{"price":"300","sequence":2}`))
	h.host.HandleRaw(c.raw(ingestion.KindPriceUpdate, `{"price":`))

	price, err := h.feed.Price()
	require.NoError(t, err)
	assert.Equal(t, testutil.Units(105).Dec(), price.Dec())

	liquidator := uuid.New()
	h.host.HandleRaw(c.raw(ingestion.KindLiquidationRequest, `{"liquidator":"`+liquidator.String()+`","count":10}`))

	assert.Equal(t, int32(4), c.acks.Load())
	assert.Zero(t, c.naks.Load())

	pa := h.host.Position(a)
	assert.Equal(t, state.StatusClosed, pa.Position.Status)
	assert.False(t, pa.InIndex)
	assert.Equal(t, testutil.Amount("0.05").Dec(), h.host.Position(liquidator).CollFunds.Dec())

	out := drain(h.persist)
	require.Len(t, out, 1)
	assert.Equal(t, "liquidate_positions", out[0].Envelope.Operation)

	sys := h.host.System()
	assert.Equal(t, testutil.Units(1000).Dec(), sys.PoolBalance.Dec())
	assert.Equal(t, testutil.Amount("9.95").Dec(), sys.StabilityPoolColl.Dec())
	assert.False(t, sys.RecoveryMode)
	assert.Equal(t, 1, sys.ActivePositions)
}

func TestHost_Redeem(t *testing.T) {
	h := newHarness(t, 64)
	a := h.open(t, "10", "1000")
	b := h.open(t, "100", "2000")

	hints, err := h.host.RedemptionHints(testutil.Units(400), 0)
	require.NoError(t, err)
	assert.Equal(t, a, hints.FirstHint)

	res, err := h.host.Redeem(b, testutil.Units(400), 0)
	require.NoError(t, err)
	assert.Equal(t, core.StopFullyRedeemed, res.Stopped)

	pa := h.host.Position(a)
	assert.Equal(t, testutil.Units(600).Dec(), pa.Position.Debt.Dec())
	assert.Equal(t, testutil.Units(8).Dec(), pa.Position.Coll.Dec())
	assert.Equal(t, testutil.Units(1600).Dec(), h.host.Position(b).StableFunds.Dec())
}

func findRedemption(t *testing.T, env *event.Envelope) *event.Redemption {
	t.Helper()
	for _, ev := range env.Events {
		if r, ok := ev.(*event.Redemption); ok {
			return r
		}
	}
	t.Fatalf("no redemption event in %s", env.Operation)
	return nil
}

func redeemBody(redeemer uuid.UUID, amount string, hints core.RedemptionHints) string {
	return `{"redeemer":"` + redeemer.String() + `","amount":"` + amount +
		`","first_hint":"` + hints.FirstHint.String() +
		`","upper_hint":"` + hints.UpperHint.String() +
		`","lower_hint":"` + hints.LowerHint.String() +
		`","partial_nicr":"` + fpmath.FormatNominal(hints.PartialNICR) + `"}`
}

func TestHost_HandleRaw_RedeemWithCallerHints(t *testing.T) {
	h := newHarness(t, 64)
	a := h.open(t, "10", "1000")
	c := h.open(t, "20", "1000")
	b := h.open(t, "100", "2000")
	drain(h.persist)

	hints, err := h.host.RedemptionHints(testutil.Units(1200), 0)
	require.NoError(t, err)
	require.Equal(t, a, hints.FirstHint)
	assert.Equal(t, "0.02375", fpmath.FormatNominal(hints.PartialNICR))

	var ac ackCounter
	h.host.HandleRaw(ac.raw(ingestion.KindRedemptionRequest, redeemBody(b, "1200", hints)))
	out := drain(h.persist)
	require.Len(t, out, 1)
	redemption := findRedemption(t, out[0].Envelope)
	assert.Equal(t, string(core.StopFullyRedeemed), redemption.Stopped)
	pos := h.host.Position(c).Position
	assert.Equal(t, testutil.Units(800).Dec(), pos.Debt.Dec())
	assert.Equal(t, testutil.Units(19).Dec(), pos.Coll.Dec())
	assert.Equal(t, int32(1), ac.acks.Load())
}

func TestHost_HandleRaw_StaleCallerHintKeepsProgress(t *testing.T) {
	h := newHarness(t, 64)
	a := h.open(t, "10", "1000")
	c := h.open(t, "20", "1000")
	b := h.open(t, "100", "2000")

	hints, err := h.host.RedemptionHints(testutil.Units(1200), 0)
	require.NoError(t, err)

	// Another redemption lands first, so the partial ratio no longer matches
	_, err = h.host.Redeem(b, testutil.Units(100), 0)
	require.NoError(t, err)
	drain(h.persist)

	var ac ackCounter
	h.host.HandleRaw(ac.raw(ingestion.KindRedemptionRequest, redeemBody(b, "1200", hints)))
	assert.Equal(t, int32(1), ac.acks.Load())

	out := drain(h.persist)
	require.Len(t, out, 1)
	assert.Equal(t, "redeem", out[0].Envelope.Operation)
	redemption := findRedemption(t, out[0].Envelope)
	assert.Equal(t, string(core.StopStaleHint), redemption.Stopped)
	assert.Equal(t, testutil.Units(900).Dec(), redemption.Stable.Dec())
	assert.Equal(t, testutil.Amount("4.5").Dec(), redemption.Coll.Dec())

	pa := h.host.Position(a)
	assert.Equal(t, state.StatusActive, pa.Position.Status)
	assert.True(t, pa.Position.Debt.IsZero())
	cDebt := h.host.Position(c).Position.Debt
	assert.Equal(t, testutil.Units(1000).Dec(), cDebt.Dec())
	assert.Equal(t, testutil.Units(1000).Dec(), h.host.Position(b).StableFunds.Dec())
}

type memoryStore struct {
	mu    sync.Mutex
	snaps []*persistence.SnapshotData
}

func (m *memoryStore) SaveSnapshot(_ context.Context, snap *persistence.SnapshotData) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps = append(m.snaps, snap)
	return 1, nil
}

func (m *memoryStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.snaps)
}

func TestHost_SnapshotRestore(t *testing.T) {
	h := newHarness(t, 64)
	a := h.open(t, "10", "1000")
	h.open(t, "20", "900")
	h.open(t, "50", "1000")
	require.NoError(t, h.host.ApplyPrice(testutil.Units(90), 2))
	_, err := h.host.Liquidate(uuid.New(), a)
	require.NoError(t, err)

	store := &memoryStore{}
	require.NoError(t, h.host.TakeSnapshot(context.Background(), store))
	require.Equal(t, 1, store.count())

	restored := newHarness(t, 64)
	require.NoError(t, restored.feed.SetPrice(testutil.Units(90), 2))
	require.NoError(t, restored.host.Restore(store.snaps[0]))

	assert.Equal(t, h.host.System(), restored.host.System())
	assert.Equal(t, h.host.Sequence(), restored.host.Sequence())
}

func TestHost_RunPeriodicSnapshots(t *testing.T) {
	h := newHarness(t, 64)
	store := &memoryStore{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.host.RunPeriodicSnapshots(ctx, store, 2, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, store.count())

	h.open(t, "10", "1000")
	require.Eventually(t, func() bool { return store.count() > 0 }, time.Second, 5*time.Millisecond)
}

func TestHost_Run(t *testing.T) {
	h := newHarness(t, 64)
	rawChan := make(chan ingestion.RawEvent, 4)
	var c ackCounter
	rawChan <- c.raw(ingestion.KindPriceUpdate, `{"price":"150","sequence":5}`)
	close(rawChan)

	h.host.Run(context.Background(), rawChan)

	assert.Equal(t, int32(1), c.acks.Load())
	price, err := h.feed.Price()
	require.NoError(t, err)
	assert.Equal(t, testutil.Units(150).Dec(), price.Dec())
}
