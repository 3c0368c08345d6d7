package ledger

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// BalanceTracker maintains in-memory account balances.
// Balances are signed: external boundary accounts run negative.
type BalanceTracker struct {
	balances map[AccountKey]*big.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]*big.Int),
	}
}

func (bt *BalanceTracker) account(key AccountKey) *big.Int {
	b, ok := bt.balances[key]
	if !ok {
		b = new(big.Int)
		bt.balances[key] = b
	}
	return b
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	amount := j.Amount.ToBig()
	debit := bt.account(j.DebitAccount)
	debit.Add(debit, amount)
	credit := bt.account(j.CreditAccount)
	credit.Sub(credit, amount)
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the signed balance of an account
func (bt *BalanceTracker) GetBalance(key AccountKey) *big.Int {
	if b, ok := bt.balances[key]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// GetAmount returns a non-external balance as an unsigned amount.
// Negative balances are an invariant violation and read as zero.
func (bt *BalanceTracker) GetAmount(key AccountKey) *uint256.Int {
	b := bt.balances[key]
	if b == nil || b.Sign() <= 0 {
		return new(uint256.Int)
	}
	v, _ := uint256.FromBig(b)
	return v
}

// GetUserBalance returns a user's wallet balance for an asset
func (bt *BalanceTracker) GetUserBalance(userID uuid.UUID, assetID AssetID) *uint256.Int {
	return bt.GetAmount(NewUserAccountKey(userID, assetID))
}

// ValidateSufficient checks that a non-external account can be credited amount
func (bt *BalanceTracker) ValidateSufficient(key AccountKey, amount *uint256.Int) error {
	if key.IsExternal() {
		return nil
	}
	have := bt.GetBalance(key)
	if have.Cmp(amount.ToBig()) < 0 {
		return fmt.Errorf("insufficient balance in %s: have=%s, need=%s", key.AccountPath(), have, amount.Dec())
	}
	return nil
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	if bt.GetBalance(key).Sign() < 0 {
		return fmt.Errorf("account %s has negative balance: %s", key.AccountPath(), bt.GetBalance(key))
	}
	return nil
}

// ComputeGlobalBalance sums all account balances per asset (zero for a closed ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]*big.Int {
	totals := make(map[AssetID]*big.Int)

	for key, balance := range bt.balances {
		t, ok := totals[key.AssetID]
		if !ok {
			t = new(big.Int)
			totals[key.AssetID] = t
		}
		t.Add(t, balance)
	}

	return totals
}

// Snapshot returns a copy of all balances
func (bt *BalanceTracker) Snapshot() map[AccountKey]*big.Int {
	snapshot := make(map[AccountKey]*big.Int, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = new(big.Int).Set(v)
	}
	return snapshot
}

// Restore replaces all balances
func (bt *BalanceTracker) Restore(balances map[AccountKey]*big.Int) {
	bt.balances = make(map[AccountKey]*big.Int, len(balances))
	for k, v := range balances {
		bt.balances[k] = new(big.Int).Set(v)
	}
}
