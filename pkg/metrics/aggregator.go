package metrics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/flakewatch/flakewatch/pkg/ingest/store"
	"github.com/sirupsen/logrus"
)

// Aggregator recomputes per-project daily statistics from stored runs.
type Aggregator interface {
	// Aggregate rebuilds the (project, day) aggregate. Safe to call
	// repeatedly for the same day: the result replaces any prior row.
	Aggregate(ctx context.Context, projectID uint, day time.Time) error
}

// Compile-time interface check.
var _ Aggregator = (*aggregator)(nil)

type aggregator struct {
	log   logrus.FieldLogger
	store store.Store
}

// NewAggregator creates an Aggregator backed by the run store.
func NewAggregator(log logrus.FieldLogger, st store.Store) Aggregator {
	return &aggregator{
		log:   log.WithField("component", "metrics"),
		store: st,
	}
}

// Aggregate rebuilds the daily metric row for the given date bucket
// from all runs recorded on that UTC day.
func (a *aggregator) Aggregate(
	ctx context.Context, projectID uint, day time.Time,
) error {
	runs, err := a.store.RunsOnDay(ctx, projectID, day)
	if err != nil {
		return fmt.Errorf("loading runs for aggregation: %w", err)
	}

	m := &store.DailyMetric{
		ProjectID: projectID,
		Day:       day.UTC(),
		Runs:      len(runs),
	}

	durations := make([]int64, 0, len(runs))

	for i := range runs {
		r := &runs[i]

		m.Tests += r.Total + r.Skipped
		m.Passed += r.Passed
		m.Failed += r.Failed
		m.Flaky += r.Flaky
		m.Skipped += r.Skipped

		durations = append(durations, r.Duration)
	}

	if nonSkipped := m.Tests - m.Skipped; nonSkipped > 0 {
		m.FlakinessRate = float64(m.Flaky) / float64(nonSkipped)
	}

	m.DurationP50 = percentile(durations, 50)
	m.DurationP95 = percentile(durations, 95)

	if err := a.store.ReplaceDailyMetric(ctx, m); err != nil {
		return fmt.Errorf("storing daily metric: %w", err)
	}

	a.log.WithFields(logrus.Fields{
		"project": projectID,
		"day":     m.Day.Format("2006-01-02"),
		"runs":    m.Runs,
	}).Debug("Aggregated daily metrics")

	return nil
}

// percentile returns the nearest-rank percentile of values, 0 for an
// empty slice.
func percentile(values []int64, p int) int64 {
	if len(values) == 0 {
		return 0
	}

	sorted := make([]int64, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}

	return sorted[rank-1]
}
