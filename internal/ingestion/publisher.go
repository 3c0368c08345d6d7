package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"CDPLedger/internal/event"
	"CDPLedger/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundPublisher publishes committed engine envelopes to NATS, one message
// per event on cdp.events.{event_type}.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan *event.Envelope
	logger    zerolog.Logger
}

// PublishableEvent is the wire form of one event of an envelope
type PublishableEvent struct {
	Sequence    int64           `json:"sequence"`
	Index       int             `json:"index"`
	Operation   string          `json:"operation"`
	OperationID string          `json:"operation_id"`
	Caller      string          `json:"caller"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	StateHash   string          `json:"state_hash"`
	PrevHash    string          `json:"prev_hash"`
}

// Subject is the NATS subject the event is published on
func (p PublishableEvent) Subject() string {
	return "cdp.events." + p.EventType
}

// MsgID deduplicates republished events inside the JetStream window
func (p PublishableEvent) MsgID() string {
	return fmt.Sprintf("%d-%d", p.Sequence, p.Index)
}

// NewPublishableEvents flattens an envelope into its outbound messages
func NewPublishableEvents(env *event.Envelope) ([]PublishableEvent, error) {
	out := make([]PublishableEvent, 0, len(env.Events))
	stateHash := hex.EncodeToString(env.StateHash[:])
	prevHash := hex.EncodeToString(env.PrevHash[:])

	for i, ev := range env.Events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", ev.EventType(), err)
		}
		out = append(out, PublishableEvent{
			Sequence:    env.Sequence,
			Index:       i,
			Operation:   env.Operation,
			OperationID: env.OperationID.String(),
			Caller:      env.Caller.String(),
			EventType:   ev.EventType().String(),
			Payload:     payload,
			StateHash:   stateHash,
			PrevHash:    prevHash,
		})
	}
	return out, nil
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan *event.Envelope) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    observability.NewLogger("publisher"),
	}
}

// Run publishes until ctx is cancelled or the input channel closes.
// Failures are logged and skipped; the event log in Postgres stays complete.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, env); err != nil {
				op.logger.Warn().
					Err(err).
					Int64("sequence", env.Sequence).
					Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, env *event.Envelope) error {
	events, err := NewPublishableEvents(env)
	if err != nil {
		return err
	}

	for _, evt := range events {
		data, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		if _, err := op.js.Publish(ctx, evt.Subject(), data, jetstream.WithMsgID(evt.MsgID())); err != nil {
			return fmt.Errorf("publish %s: %w", evt.Subject(), err)
		}
	}
	return nil
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	if _, err := js.CreateOrUpdateStream(ctx, streamConfig(EventsStream, "cdp.events.>")); err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger := observability.NewLogger("publisher")
	logger.Info().Str("stream", EventsStream).Msg("ensured outbound stream")
	return nil
}
