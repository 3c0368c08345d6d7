package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	fpmath "CDPLedger/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// ManualIngestService injects messages into the same queue the NATS consumers
// feed, for admin tooling and environments without a broker.
type ManualIngestService struct {
	rawChan chan<- RawEvent
}

func NewManualIngestService(rawChan chan<- RawEvent) *ManualIngestService {
	return &ManualIngestService{rawChan: rawChan}
}

// InjectPrice queues a price update. A zero sequence is replaced by the
// current time in microseconds.
func (s *ManualIngestService) InjectPrice(ctx context.Context, price *uint256.Int, sequence int64) error {
	if price == nil || price.IsZero() {
		return fmt.Errorf("price must be positive")
	}
	if sequence == 0 {
		sequence = time.Now().UnixMicro()
	}
	return s.inject(ctx, "manual.prices", KindPriceUpdate, priceUpdateJSON{
		Price:    fpmath.FormatAmount(price),
		Sequence: sequence,
	})
}

// InjectLiquidation queues a liquidation request
func (s *ManualIngestService) InjectLiquidation(ctx context.Context, req LiquidationRequest) error {
	msg := liquidationRequestJSON{Liquidator: req.Liquidator.String(), Count: req.Count}
	for _, id := range req.Owners {
		msg.Owners = append(msg.Owners, id.String())
	}
	return s.inject(ctx, "manual.commands.liquidate", KindLiquidationRequest, msg)
}

// InjectRedemption queues a redemption request
func (s *ManualIngestService) InjectRedemption(ctx context.Context, req RedemptionRequest) error {
	if req.Amount == nil {
		return fmt.Errorf("%w: amount", ErrMissingField)
	}
	msg := redemptionRequestJSON{
		Redeemer:      req.Redeemer.String(),
		Amount:        fpmath.FormatAmount(req.Amount),
		MaxIterations: req.MaxIterations,
		FirstHint:     optionalID(req.FirstHint),
		UpperHint:     optionalID(req.UpperHint),
		LowerHint:     optionalID(req.LowerHint),
	}
	if req.PartialNICR != nil {
		msg.PartialNICR = fpmath.FormatNominal(req.PartialNICR)
	}
	return s.inject(ctx, "manual.commands.redeem", KindRedemptionRequest, msg)
}

func optionalID(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}

// inject round-trips through the wire format so manual messages are
// validated exactly like broker deliveries.
func (s *ManualIngestService) inject(ctx context.Context, subject string, kind Kind, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", kind, err)
	}

	raw := RawEvent{Subject: subject, Kind: kind, Data: data, Timestamp: time.Now()}
	if _, err := ParseRawEvent(raw); err != nil {
		return err
	}

	select {
	case s.rawChan <- raw:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
