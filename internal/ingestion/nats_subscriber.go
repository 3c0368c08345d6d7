package ingestion

import (
	"context"
	"fmt"
	"time"

	"CDPLedger/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber consumes JetStream subjects and hands each delivery to the
// host through rawChan. Acknowledgement is left to whoever processes it.
type NATSSubscriber struct {
	js        jetstream.JetStream
	rawChan   chan<- RawEvent
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawEvent is an undecoded delivery tagged with the kind of its subject
type RawEvent struct {
	Subject   string
	Kind      Kind
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // Processed (or permanently rejected)
	NakFunc   func() // Redeliver
}

// Ack is a no-op for events injected without a broker
func (r RawEvent) Ack() {
	if r.AckFunc != nil {
		r.AckFunc()
	}
}

func (r RawEvent) Nak() {
	if r.NakFunc != nil {
		r.NakFunc()
	}
}

// SubjectConfig binds a subject filter to a message kind and durable consumer
type SubjectConfig struct {
	Subject      string
	Kind         Kind
	ConsumerName string
	StreamName   string
}

const (
	PricesStream   = "CDP_PRICES"
	CommandsStream = "CDP_COMMANDS"
	EventsStream   = "CDP_EVENTS"
)

// DefaultSubjects returns the inbound subjects the service consumes
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "cdp.prices.>", Kind: KindPriceUpdate, ConsumerName: "cdp-prices", StreamName: PricesStream},
		{Subject: "cdp.commands.liquidate.>", Kind: KindLiquidationRequest, ConsumerName: "cdp-liquidations", StreamName: CommandsStream},
		{Subject: "cdp.commands.redeem.>", Kind: KindRedemptionRequest, ConsumerName: "cdp-redemptions", StreamName: CommandsStream},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, rawChan chan<- RawEvent) *NATSSubscriber {
	return &NATSSubscriber{
		js:      js,
		rawChan: rawChan,
		logger:  observability.NewLogger("ingestion"),
	}
}

// Subscribe creates one durable consumer per subject.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		kind := cfg.Kind
		consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				Kind:      kind,
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
			}

			select {
			case ns.rawChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumeCtx)
		ns.logger.Info().
			Str("subject", cfg.Subject).
			Str("consumer", cfg.ConsumerName).
			Msg("subscribed")
	}

	return nil
}

func streamConfig(name string, subjects ...string) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:      name,
		Subjects:  subjects,
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	}
}

// EnsureStreams creates the inbound streams if they don't exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	logger := observability.NewLogger("ingestion")
	streams := []jetstream.StreamConfig{
		streamConfig(PricesStream, "cdp.prices.>"),
		streamConfig(CommandsStream, "cdp.commands.>"),
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// Stop stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	logger := observability.NewLogger("nats")
	nc, err := nats.Connect(url,
		nats.Name("cdpledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
