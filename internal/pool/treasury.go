// Package pool implements the reserve pools, the stable balance ledger and the
// absorbing (stability) pool on top of the double-entry ledger.
package pool

import (
	"errors"
	"fmt"
	"math/big"

	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/observability"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

var ErrInsufficientFunds = errors.New("pool: insufficient funds")

// Treasury keeps every reserve as ledger accounts:
//
//	system:active_pool    debt and collateral of Active positions
//	system:default_pool   redistributed debt and collateral not yet applied
//	system:stability_pool stable deposits that absorb liquidations, plus the collateral they earned
//	user:<id>:wallet      stable and collateral held by an account
//
// It is not safe for concurrent use; the host serialises access.
type Treasury struct {
	tracker   *ledger.BalanceTracker
	gen       *ledger.JournalGenerator
	validator *ledger.InvariantValidator
	logger    zerolog.Logger

	batches    []*ledger.Batch // Applied since the last Drain
	mark       int             // Start of the open checkpoint in batches, -1 when none
	markSeq    int64
	invariants bool
}

func NewTreasury(startSequence int64) *Treasury {
	tracker := ledger.NewBalanceTracker()
	return &Treasury{
		tracker:    tracker,
		gen:        ledger.NewJournalGenerator(startSequence),
		validator:  ledger.NewInvariantValidator(tracker),
		logger:     observability.NewLogger("treasury"),
		mark:       -1,
		invariants: true,
	}
}

// SetInvariantChecks toggles the post-batch ledger checks
func (t *Treasury) SetInvariantChecks(enabled bool) {
	t.invariants = enabled
}

// apply checks that no internal account is overdrawn, then books the batch
func (t *Treasury) apply(batch *ledger.Batch) error {
	if batch == nil {
		return nil
	}

	need := make(map[ledger.AccountKey]*uint256.Int)
	for _, j := range batch.Journals {
		if j.CreditAccount.IsExternal() {
			continue
		}
		cur, ok := need[j.CreditAccount]
		if !ok {
			cur = new(uint256.Int)
		}
		need[j.CreditAccount] = fpmath.Add(cur, &j.Amount)
	}
	for key, amount := range need {
		if err := t.tracker.ValidateSufficient(key, amount); err != nil {
			return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
		}
	}

	if err := t.validator.ValidateBatchBalance(batch); err != nil {
		panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
	}
	if err := t.tracker.ApplyBatch(batch); err != nil {
		return fmt.Errorf("apply batch failed: %w", err)
	}
	t.batches = append(t.batches, batch)

	if t.invariants {
		if err := t.Validate(); err != nil {
			panic(fmt.Sprintf("FATAL: treasury invariant violated: %v", err))
		}
	}
	return nil
}

// ============================================================================
// Checkpointing
// ============================================================================

// Checkpoint starts recording batches that Rollback will reverse
func (t *Treasury) Checkpoint() {
	if t.mark >= 0 {
		panic("FATAL: treasury checkpoint already open")
	}
	t.mark = len(t.batches)
	t.markSeq = t.gen.Sequence()
}

// Commit keeps every batch applied since Checkpoint
func (t *Treasury) Commit() {
	t.mark = -1
}

// Rollback reverses every batch applied since Checkpoint, newest first
func (t *Treasury) Rollback() {
	if t.mark < 0 {
		return
	}
	for i := len(t.batches) - 1; i >= t.mark; i-- {
		if err := t.tracker.ApplyBatch(t.batches[i].Reversed()); err != nil {
			panic(fmt.Sprintf("FATAL: cannot reverse batch %s: %v", t.batches[i].BatchID, err))
		}
	}
	t.logger.Debug().Int("batches", len(t.batches)-t.mark).Msg("treasury rolled back")
	clear(t.batches[t.mark:])
	t.batches = t.batches[:t.mark]
	t.gen.SetSequence(t.markSeq)
	t.mark = -1
}

// Drain hands over the committed batches since the previous Drain
func (t *Treasury) Drain() []*ledger.Batch {
	if t.mark >= 0 {
		panic("FATAL: treasury drained with an open checkpoint")
	}
	out := t.batches
	t.batches = nil
	return out
}

// ============================================================================
// Pool manager
// ============================================================================

func (t *Treasury) ActiveColl() *uint256.Int {
	return t.tracker.GetAmount(ledger.NewSystemAccountKey(ledger.SubTypeActivePool, ledger.AssetColl))
}

func (t *Treasury) ActiveDebt() *uint256.Int {
	return t.tracker.GetAmount(ledger.NewSystemAccountKey(ledger.SubTypeActivePool, ledger.AssetDebt))
}

func (t *Treasury) DefaultColl() *uint256.Int {
	return t.tracker.GetAmount(ledger.NewSystemAccountKey(ledger.SubTypeDefaultPool, ledger.AssetColl))
}

func (t *Treasury) DefaultDebt() *uint256.Int {
	return t.tracker.GetAmount(ledger.NewSystemAccountKey(ledger.SubTypeDefaultPool, ledger.AssetDebt))
}

// MovePendingRewardsToActive moves applied rewards from the default pool into the active pool
func (t *Treasury) MovePendingRewardsToActive(debt, coll *uint256.Int) error {
	return t.apply(t.gen.GenerateRewardMove(debt, coll))
}

// Redistribute moves liquidated debt and collateral from the active pool into the default pool
func (t *Treasury) Redistribute(debt, coll *uint256.Int) error {
	return t.apply(t.gen.GenerateRedistribution(debt, coll))
}

// RedeemCollateral burns stable from the redeemer, cancels the same debt and
// sends coll to the redeemer.
func (t *Treasury) RedeemCollateral(to uuid.UUID, stable, coll *uint256.Int) error {
	return t.apply(t.gen.GenerateRedemption(to, stable, coll))
}

// SendCompensation pays the liquidator from the active pool
func (t *Treasury) SendCompensation(to uuid.UUID, coll *uint256.Int) error {
	return t.apply(t.gen.GenerateCompensation(to, coll))
}

// ============================================================================
// Absorbing pool
// ============================================================================

// Balance is the stable held by the stability pool
func (t *Treasury) Balance() *uint256.Int {
	return t.tracker.GetAmount(ledger.NewSystemAccountKey(ledger.SubTypeStabilityPool, ledger.AssetStable))
}

// StabilityPoolColl is the collateral the stability pool has absorbed
func (t *Treasury) StabilityPoolColl() *uint256.Int {
	return t.tracker.GetAmount(ledger.NewSystemAccountKey(ledger.SubTypeStabilityPool, ledger.AssetColl))
}

// Offset cancels debt against pool stable and moves coll to the pool
func (t *Treasury) Offset(debt, coll *uint256.Int) error {
	return t.apply(t.gen.GenerateOffset(debt, coll))
}

// ProvideToStabilityPool moves stable from a wallet into the stability pool
func (t *Treasury) ProvideToStabilityPool(from uuid.UUID, amount *uint256.Int) error {
	return t.apply(t.gen.GenerateStabilityDeposit(from, amount))
}

// ============================================================================
// Wallets
// ============================================================================

// BalanceOf is the stable balance of an account
func (t *Treasury) BalanceOf(id uuid.UUID) *uint256.Int {
	return t.tracker.GetUserBalance(id, ledger.AssetStable)
}

// CollBalanceOf is the free collateral in an account's wallet
func (t *Treasury) CollBalanceOf(id uuid.UUID) *uint256.Int {
	return t.tracker.GetUserBalance(id, ledger.AssetColl)
}

// Deposit credits collateral arriving from outside the system
func (t *Treasury) Deposit(to uuid.UUID, coll *uint256.Int) error {
	return t.apply(t.gen.GenerateDeposit(to, coll))
}

// Withdraw sends free collateral out of the system
func (t *Treasury) Withdraw(from uuid.UUID, coll *uint256.Int) error {
	return t.apply(t.gen.GenerateWithdrawal(from, coll))
}

func (t *Treasury) LockCollateral(owner uuid.UUID, coll *uint256.Int) error {
	return t.apply(t.gen.GenerateCollateralLock(owner, coll))
}

func (t *Treasury) ReleaseCollateral(owner uuid.UUID, coll *uint256.Int) error {
	return t.apply(t.gen.GenerateCollateralRelease(owner, coll))
}

// Mint books new active pool debt and issues the stable to owner
func (t *Treasury) Mint(owner uuid.UUID, amount *uint256.Int) error {
	return t.apply(t.gen.GenerateMint(owner, amount))
}

// Burn repays active pool debt with stable from owner
func (t *Treasury) Burn(owner uuid.UUID, amount *uint256.Int) error {
	return t.apply(t.gen.GenerateBurn(owner, amount))
}

// ============================================================================
// Invariants and persistence
// ============================================================================

// Validate checks the ledger is zero-sum, internally non-negative, and that
// stable supply equals outstanding debt.
func (t *Treasury) Validate() error {
	if err := t.validator.ValidateGlobalBalance(); err != nil {
		return err
	}
	if err := t.validator.ValidateInternalNonNegative(); err != nil {
		return err
	}
	return t.validator.ValidateStableBacking()
}

// Sequence is the next journal batch sequence
func (t *Treasury) Sequence() int64 {
	return t.gen.Sequence()
}

// Balances returns a copy of every account balance
func (t *Treasury) Balances() map[ledger.AccountKey]*big.Int {
	return t.tracker.Snapshot()
}

// Restore replaces every balance and the batch sequence on snapshot load
func (t *Treasury) Restore(balances map[ledger.AccountKey]*big.Int, sequence int64) error {
	t.tracker.Restore(balances)
	t.gen.SetSequence(sequence)
	t.batches = nil
	t.mark = -1
	if err := t.Validate(); err != nil {
		return fmt.Errorf("restored treasury is inconsistent: %w", err)
	}
	return nil
}
