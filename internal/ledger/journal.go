package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypeMint
	JournalTypeBurn
	JournalTypeCollateralLock
	JournalTypeCollateralRelease
	JournalTypeRewardMove
	JournalTypeRedistribution
	JournalTypeOffset
	JournalTypeRedemption
	JournalTypeCompensation
	JournalTypeStabilityDeposit
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeWithdrawal:
		return "withdrawal"
	case JournalTypeMint:
		return "mint"
	case JournalTypeBurn:
		return "burn"
	case JournalTypeCollateralLock:
		return "collateral_lock"
	case JournalTypeCollateralRelease:
		return "collateral_release"
	case JournalTypeRewardMove:
		return "reward_move"
	case JournalTypeRedistribution:
		return "redistribution"
	case JournalTypeOffset:
		return "offset"
	case JournalTypeRedemption:
		return "redemption"
	case JournalTypeCompensation:
		return "compensation"
	case JournalTypeStabilityDeposit:
		return "stability_deposit"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups balanced entries
	EventRef      string      // Reference of the operation that produced it
	Sequence      int64       // Batch sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	AssetID       AssetID     // Asset being transferred
	Amount        uint256.Int // 18-decimal amount, always positive
	JournalType   JournalType // Entry type
	Timestamp     int64       // Epoch microseconds
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed.
// Each journal moves one positive amount from credit to debit, so every entry
// balances on its own and so does the batch.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount.IsZero() {
			return fmt.Errorf("journal %s has zero amount", j.JournalID)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.AssetID != j.AssetID || j.CreditAccount.AssetID != j.AssetID {
			return fmt.Errorf("journal %s mixes assets", j.JournalID)
		}
	}

	return nil
}

// Reversed returns a batch that undoes b, journal by journal in reverse order
func (b *Batch) Reversed() *Batch {
	rev := &Batch{
		BatchID:   b.BatchID,
		EventRef:  b.EventRef + ":reversal",
		Sequence:  b.Sequence,
		Timestamp: b.Timestamp,
		Journals:  make([]Journal, 0, len(b.Journals)),
	}
	for i := len(b.Journals) - 1; i >= 0; i-- {
		j := b.Journals[i]
		j.DebitAccount, j.CreditAccount = j.CreditAccount, j.DebitAccount
		rev.Journals = append(rev.Journals, j)
	}
	return rev
}
