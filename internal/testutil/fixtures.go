package testutil

import (
	"testing"

	"CDPLedger/internal/borrow"
	"CDPLedger/internal/core"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/pool"
	"CDPLedger/internal/sortedindex"
	"CDPLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

// Units is n whole units in 18-decimal fixed point
func Units(n uint64) *uint256.Int {
	return fpmath.FromUnits(n)
}

// Amount parses a decimal string such as "10.5" into 18-decimal fixed point
func Amount(s string) *uint256.Int {
	return fpmath.MustParseAmount(s)
}

// System is an in-memory engine wired to a treasury, a static oracle and an
// ordered index, with the borrow operations on top.
type System struct {
	Operator uuid.UUID
	Oracle   *oracle.Static
	Treasury *pool.Treasury
	Index    core.OrderedIndex
	Engine   *core.Engine
	Borrow   *borrow.Operations
}

type systemConfig struct {
	params     state.Params
	index      core.OrderedIndex
	invariants bool
	wrapPool   func(*pool.Treasury) core.AbsorbingPool
}

type Option func(*systemConfig)

// WithSkipList backs the system with the skip list index instead of the B-tree
func WithSkipList() Option {
	return func(c *systemConfig) { c.index = sortedindex.NewSkipList() }
}

func WithParams(p state.Params) Option {
	return func(c *systemConfig) { c.params = p }
}

// WithAbsorbingPool puts wrap(treasury) in front of the treasury as the
// engine's absorbing pool
func WithAbsorbingPool(wrap func(*pool.Treasury) core.AbsorbingPool) Option {
	return func(c *systemConfig) { c.wrapPool = wrap }
}

// WithoutInvariantChecks disables the post-call consistency checks
func WithoutInvariantChecks() Option {
	return func(c *systemConfig) { c.invariants = false }
}

// NewSystem builds a system priced at price whole units per collateral unit
func NewSystem(t testing.TB, price uint64, opts ...Option) *System {
	t.Helper()

	cfg := systemConfig{
		params:     state.DefaultParams(),
		index:      sortedindex.NewTree(),
		invariants: true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &System{
		Operator: uuid.New(),
		Oracle:   oracle.NewStatic(Units(price)),
		Treasury: pool.NewTreasury(0),
		Index:    cfg.index,
	}

	var absorbing core.AbsorbingPool = s.Treasury
	if cfg.wrapPool != nil {
		absorbing = cfg.wrapPool(s.Treasury)
	}

	engine, err := core.NewEngine(core.Config{
		Operator:        s.Operator,
		Params:          cfg.params,
		InvariantChecks: cfg.invariants,
	}, core.Dependencies{
		Oracle: s.Oracle,
		Pool:   absorbing,
		Pools:  s.Treasury,
		Token:  s.Treasury,
		Index:  s.Index,
	})
	require.NoError(t, err)

	s.Engine = engine
	s.Borrow = borrow.NewOperations(engine, s.Treasury)
	return s
}

// SetPrice moves the oracle price to a decimal string such as "105" or "1.5"
func (s *System) SetPrice(price string) {
	s.Oracle.Set(Amount(price))
}

// Open deposits coll for a new owner and opens a position with debt
func (s *System) Open(t testing.TB, coll, debt string) uuid.UUID {
	t.Helper()
	owner := uuid.New()
	require.NoError(t, s.Borrow.Deposit(owner, Amount(coll)))
	require.NoError(t, s.Borrow.OpenPosition(owner, Amount(coll), Amount(debt), borrow.Hints{}))
	return owner
}

// Provide moves stable from owner's wallet into the stability pool
func (s *System) Provide(t testing.TB, owner uuid.UUID, amount string) {
	t.Helper()
	require.NoError(t, s.Borrow.ProvideToStabilityPool(owner, Amount(amount)))
}

// RequireConsistent checks the engine and the treasury agree with themselves
// and with each other.
func (s *System) RequireConsistent(t testing.TB) {
	t.Helper()
	require.NoError(t, s.Engine.CheckInvariants())
	require.NoError(t, s.Treasury.Validate())

	debt, coll := new(uint256.Int), new(uint256.Int)
	for _, p := range s.Engine.Positions() {
		if p.Status != state.StatusActive {
			continue
		}
		debt = fpmath.Add(debt, &p.Debt)
		coll = fpmath.Add(coll, &p.Coll)
	}
	require.Equal(t, s.Treasury.ActiveDebt().Dec(), debt.Dec(), "active pool debt")
	require.Equal(t, s.Treasury.ActiveColl().Dec(), coll.Dec(), "active pool coll")
}
