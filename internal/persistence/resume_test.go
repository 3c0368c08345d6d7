package persistence

import (
	"errors"
	"testing"
)

func TestCheckResume(t *testing.T) {
	tests := []struct {
		name       string
		snap       *SnapshotData
		latest     int64
		wantBehind bool
		wantAhead  bool
	}{
		{"cold start", nil, -1, false, false},
		{"log without snapshot", nil, 0, false, true},
		{"log matches snapshot", &SnapshotData{Sequence: 10}, 9, false, false},
		{"log behind snapshot", &SnapshotData{Sequence: 10}, 4, true, false},
		{"log ahead of snapshot", &SnapshotData{Sequence: 10}, 10, false, true},
		{"empty log with snapshot", &SnapshotData{Sequence: 3}, -1, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			behind, err := CheckResume(tt.snap, tt.latest)
			if got := errors.Is(err, ErrLogAhead); got != tt.wantAhead {
				t.Fatalf("ahead = %v (err %v), want %v", got, err, tt.wantAhead)
			}
			if behind != tt.wantBehind {
				t.Errorf("behind = %v, want %v", behind, tt.wantBehind)
			}
		})
	}
}
