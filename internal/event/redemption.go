package event

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// PositionRedeemed is emitted for every position a redemption touched
type PositionRedeemed struct {
	Owner   uuid.UUID    `json:"owner"`
	Stable  *uint256.Int `json:"stable"`
	Coll    *uint256.Int `json:"coll"`
	NewDebt *uint256.Int `json:"new_debt"`
	NewColl *uint256.Int `json:"new_coll"`
}

func (e *PositionRedeemed) EventType() EventType { return EventTypePositionRedeemed }

type Redemption struct {
	Redeemer  uuid.UUID    `json:"redeemer"`
	Price     *uint256.Int `json:"price"`
	Requested *uint256.Int `json:"requested"`
	Stable    *uint256.Int `json:"stable"`
	Coll      *uint256.Int `json:"coll"`
	Stopped   string       `json:"stopped"`
}

func (e *Redemption) EventType() EventType { return EventTypeRedemption }
