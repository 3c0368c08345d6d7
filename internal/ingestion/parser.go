package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"

	fpmath "CDPLedger/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Kind names the inbound message type a subject carries
type Kind string

const (
	KindPriceUpdate        Kind = "PriceUpdate"
	KindLiquidationRequest Kind = "LiquidationRequest"
	KindRedemptionRequest  Kind = "RedemptionRequest"
)

var (
	ErrUnknownKind      = errors.New("ingestion: unknown message kind")
	ErrMissingField     = errors.New("ingestion: missing required field")
	ErrAmbiguousRequest = errors.New("ingestion: count and owners are mutually exclusive")
)

// Message is a validated inbound message
type Message interface {
	Kind() Kind
}

// PriceUpdate is one oracle observation. Sequence gates out stale and
// duplicate deliveries.
type PriceUpdate struct {
	Price    *uint256.Int
	Sequence int64
}

func (PriceUpdate) Kind() Kind { return KindPriceUpdate }

// LiquidationRequest asks for either the Count worst positions or the listed
// Owners to be liquidated.
type LiquidationRequest struct {
	Liquidator uuid.UUID
	Count      int
	Owners     []uuid.UUID
}

func (LiquidationRequest) Kind() Kind { return KindLiquidationRequest }

// RedemptionRequest optionally carries the hints a caller got from the hints
// query. Without them the host computes hints at execution time.
type RedemptionRequest struct {
	Redeemer      uuid.UUID
	Amount        *uint256.Int
	MaxIterations int
	FirstHint     uuid.UUID
	UpperHint     uuid.UUID
	LowerHint     uuid.UUID
	PartialNICR   *uint256.Int
}

// HasHints reports whether the caller supplied any hint
func (r RedemptionRequest) HasHints() bool {
	return r.FirstHint != uuid.Nil || r.UpperHint != uuid.Nil || r.LowerHint != uuid.Nil || r.PartialNICR != nil
}

func (RedemptionRequest) Kind() Kind { return KindRedemptionRequest }

type priceUpdateJSON struct {
	Price    string `json:"price"`
	Sequence int64  `json:"sequence"`
}

type liquidationRequestJSON struct {
	Liquidator string   `json:"liquidator"`
	Count      int      `json:"count"`
	Owners     []string `json:"owners"`
}

type redemptionRequestJSON struct {
	Redeemer      string `json:"redeemer"`
	Amount        string `json:"amount"`
	MaxIterations int    `json:"max_iterations"`
	FirstHint     string `json:"first_hint"`
	UpperHint     string `json:"upper_hint"`
	LowerHint     string `json:"lower_hint"`
	PartialNICR   string `json:"partial_nicr"`
}

// ParseRawEvent converts a NATS delivery into a typed message based on the
// kind of the subject it arrived on.
func ParseRawEvent(raw RawEvent) (Message, error) {
	switch raw.Kind {
	case KindPriceUpdate:
		return ParsePriceUpdate(raw.Data)
	case KindLiquidationRequest:
		return ParseLiquidationRequest(raw.Data)
	case KindRedemptionRequest:
		return ParseRedemptionRequest(raw.Data)
	default:
		return nil, fmt.Errorf("%w: %q (subject %s)", ErrUnknownKind, raw.Kind, raw.Subject)
	}
}

// ParsePriceUpdate decodes {"price":"2000.5","sequence":7}
func ParsePriceUpdate(data []byte) (PriceUpdate, error) {
	var msg priceUpdateJSON
	if err := json.Unmarshal(data, &msg); err != nil {
		return PriceUpdate{}, fmt.Errorf("unmarshal price update: %w", err)
	}
	if msg.Price == "" {
		return PriceUpdate{}, fmt.Errorf("%w: price", ErrMissingField)
	}
	if msg.Sequence <= 0 {
		return PriceUpdate{}, fmt.Errorf("%w: sequence", ErrMissingField)
	}

	price, err := fpmath.ParseAmount(msg.Price)
	if err != nil {
		return PriceUpdate{}, fmt.Errorf("parse price: %w", err)
	}
	return PriceUpdate{Price: price, Sequence: msg.Sequence}, nil
}

// ParseLiquidationRequest decodes {"liquidator":"<uuid>","count":10} or
// {"liquidator":"<uuid>","owners":["<uuid>",...]}
func ParseLiquidationRequest(data []byte) (LiquidationRequest, error) {
	var msg liquidationRequestJSON
	if err := json.Unmarshal(data, &msg); err != nil {
		return LiquidationRequest{}, fmt.Errorf("unmarshal liquidation request: %w", err)
	}

	liquidator, err := parseID("liquidator", msg.Liquidator)
	if err != nil {
		return LiquidationRequest{}, err
	}

	switch {
	case msg.Count > 0 && len(msg.Owners) > 0:
		return LiquidationRequest{}, ErrAmbiguousRequest
	case msg.Count <= 0 && len(msg.Owners) == 0:
		return LiquidationRequest{}, fmt.Errorf("%w: count or owners", ErrMissingField)
	}

	req := LiquidationRequest{Liquidator: liquidator, Count: msg.Count}
	if len(msg.Owners) > 0 {
		req.Owners = make([]uuid.UUID, 0, len(msg.Owners))
		for _, s := range msg.Owners {
			id, err := parseID("owner", s)
			if err != nil {
				return LiquidationRequest{}, err
			}
			req.Owners = append(req.Owners, id)
		}
	}
	return req, nil
}

// ParseRedemptionRequest decodes {"redeemer":"<uuid>","amount":"100","max_iterations":0}
// plus the optional first_hint, upper_hint, lower_hint and partial_nicr.
func ParseRedemptionRequest(data []byte) (RedemptionRequest, error) {
	var msg redemptionRequestJSON
	if err := json.Unmarshal(data, &msg); err != nil {
		return RedemptionRequest{}, fmt.Errorf("unmarshal redemption request: %w", err)
	}

	redeemer, err := parseID("redeemer", msg.Redeemer)
	if err != nil {
		return RedemptionRequest{}, err
	}
	if msg.Amount == "" {
		return RedemptionRequest{}, fmt.Errorf("%w: amount", ErrMissingField)
	}
	amount, err := fpmath.ParseAmount(msg.Amount)
	if err != nil {
		return RedemptionRequest{}, fmt.Errorf("parse amount: %w", err)
	}
	if msg.MaxIterations < 0 {
		return RedemptionRequest{}, fmt.Errorf("negative max_iterations %d", msg.MaxIterations)
	}

	req := RedemptionRequest{Redeemer: redeemer, Amount: amount, MaxIterations: msg.MaxIterations}
	if err := req.SetHints(msg.FirstHint, msg.UpperHint, msg.LowerHint, msg.PartialNICR); err != nil {
		return RedemptionRequest{}, err
	}
	return req, nil
}

// SetHints parses the optional hint fields; empty strings leave a hint unset.
// partialNICR is a nominal ratio as rendered by the hints query.
func (r *RedemptionRequest) SetHints(first, upper, lower, partialNICR string) error {
	for _, h := range []struct {
		field string
		raw   string
		dst   *uuid.UUID
	}{
		{"first_hint", first, &r.FirstHint},
		{"upper_hint", upper, &r.UpperHint},
		{"lower_hint", lower, &r.LowerHint},
	} {
		if h.raw == "" {
			continue
		}
		id, err := parseID(h.field, h.raw)
		if err != nil {
			return err
		}
		*h.dst = id
	}
	if partialNICR != "" {
		nicr, err := fpmath.ParseNominal(partialNICR)
		if err != nil {
			return fmt.Errorf("parse partial_nicr: %w", err)
		}
		r.PartialNICR = nicr
	}
	return nil
}

func parseID(field, s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrMissingField, field)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse %s: %w", field, err)
	}
	return id, nil
}
