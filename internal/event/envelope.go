package event

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypePositionLiquidated
	EventTypeLiquidation
	EventTypePositionRedeemed
	EventTypeRedemption
	EventTypePositionUpdated
	EventTypeRewardTermsUpdated
	EventTypeTotalStakesUpdated
	EventTypeSystemSnapshotsUpdated
)

var eventTypeNames = map[EventType]string{
	EventTypePositionLiquidated:     "PositionLiquidated",
	EventTypeLiquidation:            "Liquidation",
	EventTypePositionRedeemed:       "PositionRedeemed",
	EventTypeRedemption:             "Redemption",
	EventTypePositionUpdated:        "PositionUpdated",
	EventTypeRewardTermsUpdated:     "RewardTermsUpdated",
	EventTypeTotalStakesUpdated:     "TotalStakesUpdated",
	EventTypeSystemSnapshotsUpdated: "SystemSnapshotsUpdated",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// ParseEventType is the inverse of String
func ParseEventType(s string) (EventType, bool) {
	for et, name := range eventTypeNames {
		if name == s {
			return et, true
		}
	}
	return EventTypeUnknown, false
}

// Event is the interface all event payloads implement
type Event interface {
	EventType() EventType
}

// Envelope wraps the events of one committed engine call
type Envelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64

	// Entry point that produced the events, e.g. "liquidate", "redeem"
	Operation string

	OperationID uuid.UUID

	// Account that invoked the call
	Caller uuid.UUID

	Events []Event

	// SHA-256 of state AFTER applying this call
	StateHash [32]byte

	// Previous call's state hash (chain integrity)
	PrevHash [32]byte
}

// Types returns the distinct event types in emission order
func (e *Envelope) Types() []EventType {
	seen := make(map[EventType]bool, len(e.Events))
	out := make([]EventType, 0, len(e.Events))
	for _, ev := range e.Events {
		if !seen[ev.EventType()] {
			seen[ev.EventType()] = true
			out = append(out, ev.EventType())
		}
	}
	return out
}

type record struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MarshalPayload encodes events as a JSON array of {type, data} records
func MarshalPayload(events []Event) ([]byte, error) {
	records := make([]record, 0, len(events))
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", ev.EventType(), err)
		}
		records = append(records, record{Type: ev.EventType().String(), Data: data})
	}
	return json.Marshal(records)
}

// UnmarshalPayload is the inverse of MarshalPayload
func UnmarshalPayload(payload []byte) ([]Event, error) {
	var records []record
	if err := json.Unmarshal(payload, &records); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}

	events := make([]Event, 0, len(records))
	for _, r := range records {
		et, ok := ParseEventType(r.Type)
		if !ok {
			return nil, fmt.Errorf("unknown event type %q", r.Type)
		}
		ev := newEvent(et)
		if err := json.Unmarshal(r.Data, ev); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", r.Type, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func newEvent(et EventType) Event {
	switch et {
	case EventTypePositionLiquidated:
		return &PositionLiquidated{}
	case EventTypeLiquidation:
		return &Liquidation{}
	case EventTypePositionRedeemed:
		return &PositionRedeemed{}
	case EventTypeRedemption:
		return &Redemption{}
	case EventTypePositionUpdated:
		return &PositionUpdated{}
	case EventTypeRewardTermsUpdated:
		return &RewardTermsUpdated{}
	case EventTypeTotalStakesUpdated:
		return &TotalStakesUpdated{}
	case EventTypeSystemSnapshotsUpdated:
		return &SystemSnapshotsUpdated{}
	default:
		panic(fmt.Sprintf("FATAL: no payload type for %s", et))
	}
}
