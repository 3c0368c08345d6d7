package ledger

import (
	"fmt"
	"math/big"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateInternalNonNegative checks that no user or system account is negative
func (v *InvariantValidator) ValidateInternalNonNegative() error {
	for key, balance := range v.tracker.balances {
		if key.IsExternal() {
			continue
		}
		if balance.Sign() < 0 {
			return fmt.Errorf("account %s has negative balance: %s", key.AccountPath(), balance)
		}
	}
	return nil
}

// ValidateGlobalBalance verifies the ledger is zero-sum per asset
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if total.Sign() != 0 {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %s", assetName, total)
		}
	}

	return nil
}

// ValidateStableBacking checks that stable supply equals outstanding debt:
// every unit minted was booked against a pool's DEBT balance.
func (v *InvariantValidator) ValidateStableBacking() error {
	supply := new(big.Int).Neg(v.tracker.GetBalance(NewExternalAccountKey(SubTypeExternalIssuance, AssetStable)))
	debt := new(big.Int).Neg(v.tracker.GetBalance(NewExternalAccountKey(SubTypeExternalIssuance, AssetDebt)))
	if supply.Cmp(debt) != 0 {
		return fmt.Errorf("stable supply %s != outstanding debt %s", supply, debt)
	}
	return nil
}
