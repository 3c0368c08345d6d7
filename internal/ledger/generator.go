package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Leg is one transfer inside a batch
type Leg struct {
	Debit  AccountKey
	Credit AccountKey
	Amount *uint256.Int
}

// JournalGenerator creates balanced journal batches for pool movements
type JournalGenerator struct {
	sequence int64
	now      func() time.Time
}

func NewJournalGenerator(startSequence int64) *JournalGenerator {
	return &JournalGenerator{
		sequence: startSequence,
		now:      time.Now,
	}
}

// Sequence returns the sequence the next batch will carry
func (jg *JournalGenerator) Sequence() int64 {
	return jg.sequence
}

// SetSequence rewinds the generator, used when a checkpoint is rolled back
func (jg *JournalGenerator) SetSequence(seq int64) {
	jg.sequence = seq
}

// Generate builds one batch from legs. Zero-amount legs are dropped; a batch
// with nothing left is returned as nil.
func (jg *JournalGenerator) Generate(eventRef string, journalType JournalType, legs ...Leg) *Batch {
	batchID := uuid.New()
	ts := jg.now().UnixMicro()

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: ts,
		Journals:  make([]Journal, 0, len(legs)),
	}

	for _, leg := range legs {
		if leg.Amount == nil || leg.Amount.IsZero() {
			continue
		}
		batch.Journals = append(batch.Journals, Journal{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			EventRef:      eventRef,
			Sequence:      jg.sequence,
			DebitAccount:  leg.Debit,
			CreditAccount: leg.Credit,
			AssetID:       leg.Debit.AssetID,
			Amount:        *leg.Amount,
			JournalType:   journalType,
			Timestamp:     ts,
		})
	}

	if len(batch.Journals) == 0 {
		return nil
	}

	jg.sequence++
	return batch
}

var (
	activePool    = func(a AssetID) AccountKey { return NewSystemAccountKey(SubTypeActivePool, a) }
	defaultPool   = func(a AssetID) AccountKey { return NewSystemAccountKey(SubTypeDefaultPool, a) }
	stabilityPool = func(a AssetID) AccountKey { return NewSystemAccountKey(SubTypeStabilityPool, a) }
	issuance      = func(a AssetID) AccountKey { return NewExternalAccountKey(SubTypeExternalIssuance, a) }
)

// GenerateDeposit moves collateral from outside into a user wallet.
// external:deposits → user:wallet
func (jg *JournalGenerator) GenerateDeposit(userID uuid.UUID, amount *uint256.Int) *Batch {
	return jg.Generate("deposit:"+userID.String(), JournalTypeDeposit, Leg{
		Debit:  NewUserAccountKey(userID, AssetColl),
		Credit: NewExternalAccountKey(SubTypeExternalDeposits, AssetColl),
		Amount: amount,
	})
}

// GenerateWithdrawal sends collateral out of a user wallet.
// user:wallet → external:withdrawals
func (jg *JournalGenerator) GenerateWithdrawal(userID uuid.UUID, amount *uint256.Int) *Batch {
	return jg.Generate("withdrawal:"+userID.String(), JournalTypeWithdrawal, Leg{
		Debit:  NewExternalAccountKey(SubTypeExternalWithdrawals, AssetColl),
		Credit: NewUserAccountKey(userID, AssetColl),
		Amount: amount,
	})
}

// GenerateCollateralLock moves collateral from a wallet into the active pool
func (jg *JournalGenerator) GenerateCollateralLock(userID uuid.UUID, amount *uint256.Int) *Batch {
	return jg.Generate("lock:"+userID.String(), JournalTypeCollateralLock, Leg{
		Debit:  activePool(AssetColl),
		Credit: NewUserAccountKey(userID, AssetColl),
		Amount: amount,
	})
}

// GenerateCollateralRelease moves collateral from the active pool back to a wallet
func (jg *JournalGenerator) GenerateCollateralRelease(userID uuid.UUID, amount *uint256.Int) *Batch {
	return jg.Generate("release:"+userID.String(), JournalTypeCollateralRelease, Leg{
		Debit:  NewUserAccountKey(userID, AssetColl),
		Credit: activePool(AssetColl),
		Amount: amount,
	})
}

// GenerateMint books new debt in the active pool and issues the same amount
// of stable to the borrower.
func (jg *JournalGenerator) GenerateMint(userID uuid.UUID, amount *uint256.Int) *Batch {
	return jg.Generate("mint:"+userID.String(), JournalTypeMint,
		Leg{Debit: activePool(AssetDebt), Credit: issuance(AssetDebt), Amount: amount},
		Leg{Debit: NewUserAccountKey(userID, AssetStable), Credit: issuance(AssetStable), Amount: amount},
	)
}

// GenerateBurn repays active pool debt with stable from a wallet
func (jg *JournalGenerator) GenerateBurn(userID uuid.UUID, amount *uint256.Int) *Batch {
	return jg.Generate("burn:"+userID.String(), JournalTypeBurn,
		Leg{Debit: issuance(AssetStable), Credit: NewUserAccountKey(userID, AssetStable), Amount: amount},
		Leg{Debit: issuance(AssetDebt), Credit: activePool(AssetDebt), Amount: amount},
	)
}

// GenerateRewardMove brings redistributed debt and collateral back into the
// active pool when a position applies its pending rewards.
func (jg *JournalGenerator) GenerateRewardMove(debt, coll *uint256.Int) *Batch {
	return jg.Generate("rewards", JournalTypeRewardMove,
		Leg{Debit: activePool(AssetDebt), Credit: defaultPool(AssetDebt), Amount: debt},
		Leg{Debit: activePool(AssetColl), Credit: defaultPool(AssetColl), Amount: coll},
	)
}

// GenerateRedistribution parks liquidated debt and collateral in the default pool
func (jg *JournalGenerator) GenerateRedistribution(debt, coll *uint256.Int) *Batch {
	return jg.Generate("redistribution", JournalTypeRedistribution,
		Leg{Debit: defaultPool(AssetDebt), Credit: activePool(AssetDebt), Amount: debt},
		Leg{Debit: defaultPool(AssetColl), Credit: activePool(AssetColl), Amount: coll},
	)
}

// GenerateOffset cancels debt against stable held by the stability pool and
// hands the pool the matching collateral.
func (jg *JournalGenerator) GenerateOffset(debt, coll *uint256.Int) *Batch {
	return jg.Generate("offset", JournalTypeOffset,
		Leg{Debit: issuance(AssetStable), Credit: stabilityPool(AssetStable), Amount: debt},
		Leg{Debit: issuance(AssetDebt), Credit: activePool(AssetDebt), Amount: debt},
		Leg{Debit: stabilityPool(AssetColl), Credit: activePool(AssetColl), Amount: coll},
	)
}

// GenerateRedemption burns the redeemer's stable, cancels the same debt and
// pays out collateral.
func (jg *JournalGenerator) GenerateRedemption(redeemer uuid.UUID, stable, coll *uint256.Int) *Batch {
	return jg.Generate("redemption:"+redeemer.String(), JournalTypeRedemption,
		Leg{Debit: issuance(AssetStable), Credit: NewUserAccountKey(redeemer, AssetStable), Amount: stable},
		Leg{Debit: issuance(AssetDebt), Credit: activePool(AssetDebt), Amount: stable},
		Leg{Debit: NewUserAccountKey(redeemer, AssetColl), Credit: activePool(AssetColl), Amount: coll},
	)
}

// GenerateCompensation pays the liquidator from the active pool
func (jg *JournalGenerator) GenerateCompensation(liquidator uuid.UUID, coll *uint256.Int) *Batch {
	return jg.Generate("compensation:"+liquidator.String(), JournalTypeCompensation, Leg{
		Debit:  NewUserAccountKey(liquidator, AssetColl),
		Credit: activePool(AssetColl),
		Amount: coll,
	})
}

// GenerateStabilityDeposit moves stable from a wallet into the stability pool
func (jg *JournalGenerator) GenerateStabilityDeposit(userID uuid.UUID, amount *uint256.Int) *Batch {
	return jg.Generate("stability:"+userID.String(), JournalTypeStabilityDeposit, Leg{
		Debit:  stabilityPool(AssetStable),
		Credit: NewUserAccountKey(userID, AssetStable),
		Amount: amount,
	})
}
