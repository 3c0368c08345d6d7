package persistence

import (
	"errors"
	"fmt"
)

// ErrLogAhead means the event log holds outputs the latest snapshot does not
// cover. Engine calls are not replayable from their events, so resuming from
// that snapshot would fork the hash chain.
var ErrLogAhead = errors.New("persistence: event log is ahead of the latest snapshot")

// CheckResume decides whether the engine may resume from snap (nil on a cold
// start) given the highest logged sequence (-1 for an empty log). behind
// reports a log that stops short of the snapshot, which loses history but
// not state.
func CheckResume(snap *SnapshotData, latestLogged int64) (behind bool, err error) {
	var next int64
	if snap != nil {
		next = snap.Sequence
	}
	if latestLogged >= next {
		return false, fmt.Errorf("%w: log at %d, snapshot resumes at %d", ErrLogAhead, latestLogged, next)
	}
	return latestLogged < next-1, nil
}
