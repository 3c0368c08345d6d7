package host

import (
	"context"
	"fmt"
	"time"

	"CDPLedger/internal/persistence"
)

// SnapshotStore is the part of persistence.SnapshotManager the host uses
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *persistence.SnapshotData) (int, error)
}

// TakeSnapshot captures state and stores it
func (h *Host) TakeSnapshot(ctx context.Context, store SnapshotStore) error {
	start := time.Now()
	snap := h.Snapshot()

	size, err := store.SaveSnapshot(ctx, snap)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	if h.metrics != nil {
		h.metrics.SnapshotTaken.Inc()
		h.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		h.metrics.SnapshotSizeBytes.Set(float64(size))
		h.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	h.logger.Info().
		Int64("sequence", snap.Sequence).
		Int("bytes", size).
		Int("positions", len(snap.Positions)).
		Msg("snapshot saved")
	return nil
}

// RunPeriodicSnapshots checks every poll whether at least interval outputs
// were committed since the last snapshot and takes one if so.
func (h *Host) RunPeriodicSnapshots(ctx context.Context, store SnapshotStore, interval int64, poll time.Duration) {
	if interval <= 0 {
		interval = 1000
	}

	last := h.Sequence()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current := h.Sequence()
			if current-last < interval {
				continue
			}
			if err := h.TakeSnapshot(ctx, store); err != nil {
				h.logger.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			last = current
		}
	}
}
