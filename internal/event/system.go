package event

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// PositionUpdated carries the stored state of a position after a change
type PositionUpdated struct {
	Owner  uuid.UUID    `json:"owner"`
	Debt   *uint256.Int `json:"debt"`
	Coll   *uint256.Int `json:"coll"`
	Stake  *uint256.Int `json:"stake"`
	Status string       `json:"status"`
	// Reason names the entry point: open, adjust, close, apply_rewards, redeem, liquidate
	Reason string `json:"reason"`
}

func (e *PositionUpdated) EventType() EventType { return EventTypePositionUpdated }

type RewardTermsUpdated struct {
	LColl *uint256.Int `json:"l_coll"`
	LDebt *uint256.Int `json:"l_debt"`
}

func (e *RewardTermsUpdated) EventType() EventType { return EventTypeRewardTermsUpdated }

type TotalStakesUpdated struct {
	TotalStakes *uint256.Int `json:"total_stakes"`
}

func (e *TotalStakesUpdated) EventType() EventType { return EventTypeTotalStakesUpdated }

type SystemSnapshotsUpdated struct {
	TotalStakesSnapshot     *uint256.Int `json:"total_stakes_snapshot"`
	TotalCollateralSnapshot *uint256.Int `json:"total_collateral_snapshot"`
}

func (e *SystemSnapshotsUpdated) EventType() EventType { return EventTypeSystemSnapshotsUpdated }
