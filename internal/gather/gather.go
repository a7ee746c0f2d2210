// Package gather defines the long-running data collection jobs that fill the
// local stores: daily bars and the exchange holiday calendar.
package gather

import (
	"context"
	"fmt"
	"time"
)

// Gatherer is the interface for all data gathering processes.
type Gatherer interface {
	// Name returns the gatherer identifier.
	Name() string
	// Run performs one gathering pass. It returns early when ctx is cancelled.
	Run(ctx context.Context) error
}

// DateRange represents a time range for data fetching.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// ParseDateRange parses YYYY-MM-DD start and end dates. An empty end means
// today.
func ParseDateRange(start, end string) (DateRange, error) {
	s, err := time.Parse("2006-01-02", start)
	if err != nil {
		return DateRange{}, fmt.Errorf("parsing start date %q: %w", start, err)
	}
	e := time.Now().UTC().Truncate(24 * time.Hour)
	if end != "" {
		if e, err = time.Parse("2006-01-02", end); err != nil {
			return DateRange{}, fmt.Errorf("parsing end date %q: %w", end, err)
		}
	}
	if e.Before(s) {
		return DateRange{}, fmt.Errorf("end date %s before start date %s", e.Format("2006-01-02"), start)
	}
	return DateRange{Start: s, End: e}, nil
}
