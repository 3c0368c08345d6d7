package event

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// LiquidationMode is the system mode a position was liquidated under
type LiquidationMode string

const (
	ModeNormal   LiquidationMode = "normal"
	ModeRecovery LiquidationMode = "recovery"
)

// LiquidationOutcome is what happened to the position
type LiquidationOutcome string

const (
	OutcomeOffsetAndRedistribute LiquidationOutcome = "offset_and_redistribute"
	OutcomeRedistribute          LiquidationOutcome = "redistribute"
	OutcomePartialOffset         LiquidationOutcome = "partial_offset"
)

// PositionLiquidated is emitted once per liquidated position
type PositionLiquidated struct {
	Owner              uuid.UUID          `json:"owner"`
	Mode               LiquidationMode    `json:"mode"`
	Outcome            LiquidationOutcome `json:"outcome"`
	Debt               *uint256.Int       `json:"debt"`
	Coll               *uint256.Int       `json:"coll"`
	DebtToOffset       *uint256.Int       `json:"debt_to_offset"`
	CollToPool         *uint256.Int       `json:"coll_to_pool"`
	DebtToRedistribute *uint256.Int       `json:"debt_to_redistribute"`
	CollToRedistribute *uint256.Int       `json:"coll_to_redistribute"`
	Compensation       *uint256.Int       `json:"compensation"`
	// Closed is false only for a recovery mode partial offset
	Closed bool `json:"closed"`
}

func (e *PositionLiquidated) EventType() EventType { return EventTypePositionLiquidated }

// Liquidation summarises one liquidation call
type Liquidation struct {
	Liquidator        uuid.UUID    `json:"liquidator"`
	Price             *uint256.Int `json:"price"`
	Liquidated        int          `json:"liquidated"`
	DebtOffset        *uint256.Int `json:"debt_offset"`
	CollToPool        *uint256.Int `json:"coll_to_pool"`
	DebtRedistributed *uint256.Int `json:"debt_redistributed"`
	CollRedistributed *uint256.Int `json:"coll_redistributed"`
	Compensation      *uint256.Int `json:"compensation"`
	// Partial is uuid.Nil unless a position was left open
	Partial uuid.UUID `json:"partial"`
}

func (e *Liquidation) EventType() EventType { return EventTypeLiquidation }
