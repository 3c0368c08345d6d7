// Package oracle holds the last accepted collateral price.
package oracle

import (
	"errors"
	"fmt"
	"sync"

	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/observability"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

var (
	ErrNoPrice    = errors.New("oracle: no price received yet")
	ErrZeroPrice  = errors.New("oracle: price must be positive")
	ErrStalePrice = errors.New("oracle: stale price sequence")
)

// Feed is a price source gated by a monotonic sequence. Updates carrying a
// sequence at or below the last accepted one are ignored.
type Feed struct {
	mu       sync.RWMutex
	price    *uint256.Int
	sequence int64
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewFeed(metrics *observability.Metrics) *Feed {
	return &Feed{
		sequence: -1,
		metrics:  metrics,
		logger:   observability.NewLogger("oracle"),
	}
}

// Price returns a copy of the last accepted price
func (f *Feed) Price() (*uint256.Int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.price == nil {
		return nil, ErrNoPrice
	}
	return f.price.Clone(), nil
}

// Sequence returns the sequence of the last accepted update, -1 before the first
func (f *Feed) Sequence() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.sequence
}

// SetPrice applies an update. Stale sequences return ErrStalePrice and leave
// the current price in place.
func (f *Feed) SetPrice(price *uint256.Int, sequence int64) error {
	if price == nil || price.IsZero() {
		f.observe("invalid")
		return ErrZeroPrice
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if sequence <= f.sequence {
		f.observe("stale")
		return fmt.Errorf("%w: got %d, last %d", ErrStalePrice, sequence, f.sequence)
	}

	f.price = price.Clone()
	f.sequence = sequence
	f.observe("applied")
	if f.metrics != nil {
		f.metrics.OraclePrice.Set(observability.Units(price))
	}

	f.logger.Debug().
		Str("price", fpmath.FormatAmount(price)).
		Int64("sequence", sequence).
		Msg("price updated")
	return nil
}

func (f *Feed) observe(result string) {
	if f.metrics != nil {
		f.metrics.PriceUpdates.WithLabelValues(result).Inc()
	}
}

// Static is a fixed-price oracle for tests and tools
type Static struct {
	mu    sync.RWMutex
	price *uint256.Int
}

func NewStatic(price *uint256.Int) *Static {
	return &Static{price: price.Clone()}
}

func (s *Static) Price() (*uint256.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.price == nil || s.price.IsZero() {
		return nil, ErrNoPrice
	}
	return s.price.Clone(), nil
}

func (s *Static) Set(price *uint256.Int) {
	s.mu.Lock()
	s.price = price.Clone()
	s.mu.Unlock()
}
