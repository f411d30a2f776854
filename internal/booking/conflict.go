package booking

import (
	"context"
	"fmt"
	"time"
)

// ConflictChecker decides double booking. Callers that write pass the Tx they
// write with so the answer and the write see the same data.
type ConflictChecker struct{}

// HasConflict reports whether a confirmed appointment other than excludeID
// overlaps [start, end). excludeID 0 excludes nothing.
func (ConflictChecker) HasConflict(ctx context.Context, src IntervalSource, start, end time.Time, excludeID int64) (bool, error) {
	candidates, err := src.OverlappingAppointments(ctx, start, end, excludeID)
	if err != nil {
		return false, fmt.Errorf("list overlapping appointments: %w", err)
	}
	for i := range candidates {
		a := &candidates[i]
		if excludeID != 0 && a.ID == excludeID {
			continue
		}
		if a.IsConfirmed() && a.OverlapsWith(start, end) {
			return true, nil
		}
	}
	return false, nil
}

// FreeStarts drops the starts whose [start, start+duration) is taken.
func (c ConflictChecker) FreeStarts(ctx context.Context, src IntervalSource, starts []time.Time, duration time.Duration) ([]time.Time, error) {
	if len(starts) == 0 {
		return nil, nil
	}

	busy, err := src.OverlappingAppointments(ctx, starts[0], starts[len(starts)-1].Add(duration), 0)
	if err != nil {
		return nil, fmt.Errorf("list overlapping appointments: %w", err)
	}

	free := make([]time.Time, 0, len(starts))
	for _, start := range starts {
		end := start.Add(duration)
		taken := false
		for i := range busy {
			if busy[i].IsConfirmed() && busy[i].OverlapsWith(start, end) {
				taken = true
				break
			}
		}
		if !taken {
			free = append(free, start)
		}
	}
	return free, nil
}
