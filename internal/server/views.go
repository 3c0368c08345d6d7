package server

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"CDPLedger/internal/core"
	"CDPLedger/internal/host"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/persistence"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Amounts cross the API as human decimal strings ("1.5"); ratios use the
// same 18-decimal scale, so "1.1" is 110%. Nominal ratios keep their 20
// decimals so a hint posted back parses to the exact index key.

type systemView struct {
	Sequence             int64      `json:"sequence"`
	Price                *string    `json:"price"`
	TotalCollateralRatio *string    `json:"total_collateral_ratio"`
	RecoveryMode         bool       `json:"recovery_mode"`
	ActivePositions      int        `json:"active_positions"`
	ActiveColl           string     `json:"active_coll"`
	ActiveDebt           string     `json:"active_debt"`
	DefaultColl          string     `json:"default_coll"`
	DefaultDebt          string     `json:"default_debt"`
	StabilityPool        string     `json:"stability_pool"`
	StabilityPoolColl    string     `json:"stability_pool_coll"`
	TotalStakes          string     `json:"total_stakes"`
	TotalStakesSnapshot  string     `json:"total_stakes_snapshot"`
	TotalCollSnapshot    string     `json:"total_collateral_snapshot"`
	LColl                string     `json:"l_coll"`
	LDebt                string     `json:"l_debt"`
	Params               paramsView `json:"params"`
}

type paramsView struct {
	MCR                        string `json:"mcr"`
	CCR                        string `json:"ccr"`
	CollGasCompensationDivisor uint64 `json:"coll_gas_compensation_divisor"`
	MaxCollGasCompensation     string `json:"max_coll_gas_compensation"`
}

func newSystemView(s host.SystemStatus) systemView {
	return systemView{
		Sequence:             s.Sequence,
		Price:                optionalAmount(s.Price),
		TotalCollateralRatio: optionalAmount(s.TotalCollateralRatio),
		RecoveryMode:         s.RecoveryMode,
		ActivePositions:      s.ActivePositions,
		ActiveColl:           fpmath.FormatAmount(s.ActiveColl),
		ActiveDebt:           fpmath.FormatAmount(s.ActiveDebt),
		DefaultColl:          fpmath.FormatAmount(s.DefaultColl),
		DefaultDebt:          fpmath.FormatAmount(s.DefaultDebt),
		StabilityPool:        fpmath.FormatAmount(s.PoolBalance),
		StabilityPoolColl:    fpmath.FormatAmount(s.StabilityPoolColl),
		TotalStakes:          fpmath.FormatAmount(s.TotalStakes),
		TotalStakesSnapshot:  fpmath.FormatAmount(s.TotalStakesSnapshot),
		TotalCollSnapshot:    fpmath.FormatAmount(s.TotalCollateralSnapshot),
		LColl:                fpmath.FormatAmount(s.LColl),
		LDebt:                fpmath.FormatAmount(s.LDebt),
		Params: paramsView{
			MCR:                        fpmath.FormatAmount(s.Params.MCR),
			CCR:                        fpmath.FormatAmount(s.Params.CCR),
			CollGasCompensationDivisor: s.Params.CollGasCompensationDivisor,
			MaxCollGasCompensation:     fpmath.FormatAmount(s.Params.MaxCollGasCompensation),
		},
	}
}

type positionView struct {
	Owner         uuid.UUID `json:"owner"`
	Status        string    `json:"status"`
	Debt          string    `json:"debt"`
	Coll          string    `json:"coll"`
	Stake         string    `json:"stake"`
	EntireDebt    string    `json:"entire_debt"`
	EntireColl    string    `json:"entire_coll"`
	PendingDebt   string    `json:"pending_debt"`
	PendingColl   string    `json:"pending_coll"`
	NominalICR    string    `json:"nominal_icr"`
	ICR           *string   `json:"icr"`
	InIndex       bool      `json:"in_index"`
	StableBalance string    `json:"stable_balance"`
	CollBalance   string    `json:"coll_balance"`
}

func newPositionView(id uuid.UUID, p host.PositionStatus) positionView {
	return positionView{
		Owner:         id,
		Status:        p.Position.Status.String(),
		Debt:          fpmath.FormatAmount(&p.Position.Debt),
		Coll:          fpmath.FormatAmount(&p.Position.Coll),
		Stake:         fpmath.FormatAmount(&p.Position.Stake),
		EntireDebt:    fpmath.FormatAmount(p.Entire.Debt),
		EntireColl:    fpmath.FormatAmount(p.Entire.Coll),
		PendingDebt:   fpmath.FormatAmount(p.Entire.PendingDebt),
		PendingColl:   fpmath.FormatAmount(p.Entire.PendingColl),
		NominalICR:    fpmath.FormatAmount(p.NominalICR),
		ICR:           optionalAmount(p.ICR),
		InIndex:       p.InIndex,
		StableBalance: fpmath.FormatAmount(p.StableFunds),
		CollBalance:   fpmath.FormatAmount(p.CollFunds),
	}
}

type liquidationView struct {
	Price             string      `json:"price"`
	RecoveryMode      bool        `json:"recovery_mode"`
	Liquidated        []uuid.UUID `json:"liquidated"`
	DebtOffset        string      `json:"debt_offset"`
	CollToPool        string      `json:"coll_to_pool"`
	DebtRedistributed string      `json:"debt_redistributed"`
	CollRedistributed string      `json:"coll_redistributed"`
	Compensation      string      `json:"compensation"`
	Partial           *uuid.UUID  `json:"partial,omitempty"`
	PartialNewDebt    *string     `json:"partial_new_debt,omitempty"`
	PartialNewColl    *string     `json:"partial_new_coll,omitempty"`
}

func newLiquidationView(r *core.LiquidationResult) liquidationView {
	v := liquidationView{
		Price:             fpmath.FormatAmount(r.Price),
		RecoveryMode:      r.RecoveryMode,
		Liquidated:        r.Liquidated,
		DebtOffset:        fpmath.FormatAmount(r.DebtOffset),
		CollToPool:        fpmath.FormatAmount(r.CollToPool),
		DebtRedistributed: fpmath.FormatAmount(r.DebtRedistributed),
		CollRedistributed: fpmath.FormatAmount(r.CollRedistributed),
		Compensation:      fpmath.FormatAmount(r.Compensation),
	}
	if v.Liquidated == nil {
		v.Liquidated = []uuid.UUID{}
	}
	if r.Partial != uuid.Nil {
		partial := r.Partial
		v.Partial = &partial
		v.PartialNewDebt = optionalAmount(r.PartialNewDebt)
		v.PartialNewColl = optionalAmount(r.PartialNewColl)
	}
	return v
}

type redemptionView struct {
	Price          string      `json:"price"`
	Requested      string      `json:"requested"`
	StableRedeemed string      `json:"stable_redeemed"`
	CollRedeemed   string      `json:"coll_redeemed"`
	Redeemed       []uuid.UUID `json:"redeemed"`
	Stopped        string      `json:"stopped"`
}

func newRedemptionView(r *core.RedemptionResult) redemptionView {
	v := redemptionView{
		Price:          fpmath.FormatAmount(r.Price),
		Requested:      fpmath.FormatAmount(r.Requested),
		StableRedeemed: fpmath.FormatAmount(r.StableRedeemed),
		CollRedeemed:   fpmath.FormatAmount(r.CollRedeemed),
		Redeemed:       r.Redeemed,
		Stopped:        string(r.Stopped),
	}
	if v.Redeemed == nil {
		v.Redeemed = []uuid.UUID{}
	}
	return v
}

type hintsView struct {
	FirstHint       uuid.UUID `json:"first_hint"`
	UpperHint       uuid.UUID `json:"upper_hint"`
	LowerHint       uuid.UUID `json:"lower_hint"`
	PartialNICR     string    `json:"partial_nicr"`
	TruncatedAmount string    `json:"truncated_amount"`
}

func newHintsView(h core.RedemptionHints) hintsView {
	return hintsView{
		FirstHint:       h.FirstHint,
		UpperHint:       h.UpperHint,
		LowerHint:       h.LowerHint,
		PartialNICR:     fpmath.FormatNominal(h.PartialNICR),
		TruncatedAmount: fpmath.FormatAmount(h.TruncatedAmount),
	}
}

type eventView struct {
	Sequence    int64           `json:"sequence"`
	Operation   string          `json:"operation"`
	OperationID uuid.UUID       `json:"operation_id"`
	Caller      uuid.UUID       `json:"caller"`
	EventTypes  []string        `json:"event_types"`
	Payload     json.RawMessage `json:"payload"`
	StateHash   string          `json:"state_hash"`
	PrevHash    string          `json:"prev_hash"`
	Timestamp   time.Time       `json:"timestamp"`
}

func newEventView(e persistence.EventRow) eventView {
	return eventView{
		Sequence:    e.Sequence,
		Operation:   e.Operation,
		OperationID: e.OperationID,
		Caller:      e.Caller,
		EventTypes:  e.EventTypes,
		Payload:     json.RawMessage(e.Payload),
		StateHash:   hex.EncodeToString(e.StateHash),
		PrevHash:    hex.EncodeToString(e.PrevHash),
		Timestamp:   e.Timestamp,
	}
}

func optionalAmount(x *uint256.Int) *string {
	if x == nil {
		return nil
	}
	s := fpmath.FormatAmount(x)
	return &s
}
