package metrics

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/flakewatch/flakewatch/pkg/config"
	"github.com/flakewatch/flakewatch/pkg/ingest/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

func setupAggregator(t *testing.T) (Aggregator, store.Store, *store.Project) {
	t.Helper()

	ctx := context.Background()

	st := store.NewStore(testLogger(), &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: ":memory:"},
	})
	require.NoError(t, st.Start(ctx))

	t.Cleanup(func() {
		require.NoError(t, st.Stop())
	})

	project, err := st.EnsureProject(ctx, "web-app")
	require.NoError(t, err)

	return NewAggregator(testLogger(), st), st, project
}

func seedRun(
	t *testing.T,
	st store.Store,
	projectID uint,
	ts time.Time,
	passed, failed, flaky, skipped int,
	duration int64,
) {
	t.Helper()

	require.NoError(t, st.CreateRun(context.Background(), &store.TestRun{
		ProjectID:     projectID,
		EnvironmentID: 1,
		TriggerID:     1,
		SuiteID:       1,
		Environment:   "production",
		Trigger:       "push",
		Suite:         "e2e",
		ContentHash:   "hash",
		Timestamp:     ts,
		Total:         passed + failed + flaky,
		Passed:        passed,
		Failed:        failed,
		Flaky:         flaky,
		Skipped:       skipped,
		Duration:      duration,
	}))
}

// capturingStore records the metric written by the aggregator.
type capturingStore struct {
	store.Store
	saved *store.DailyMetric
}

func (c *capturingStore) ReplaceDailyMetric(
	ctx context.Context, m *store.DailyMetric,
) error {
	c.saved = m

	return c.Store.ReplaceDailyMetric(ctx, m)
}

func TestAggregate_ComputesDailyMetric(t *testing.T) {
	_, st, project := setupAggregator(t)
	ctx := context.Background()

	capture := &capturingStore{Store: st}
	agg := NewAggregator(testLogger(), capture)

	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	seedRun(t, st, project.ID, day.Add(9*time.Hour), 8, 1, 1, 2, 1000)
	seedRun(t, st, project.ID, day.Add(15*time.Hour), 9, 0, 1, 0, 3000)
	// A run on the next day stays out of the bucket.
	seedRun(t, st, project.ID, day.Add(26*time.Hour), 5, 5, 0, 0, 9000)

	require.NoError(t, agg.Aggregate(ctx, project.ID, day.Add(12*time.Hour)))

	m := capture.saved
	require.NotNil(t, m)
	assert.Equal(t, day, m.Day)
	assert.Equal(t, 2, m.Runs)
	assert.Equal(t, 22, m.Tests) // 10+2 skipped on day one, 10 on day two
	assert.Equal(t, 17, m.Passed)
	assert.Equal(t, 1, m.Failed)
	assert.Equal(t, 2, m.Flaky)
	assert.Equal(t, 2, m.Skipped)
	assert.InDelta(t, 0.1, m.FlakinessRate, 0.001) // 2 flaky / 20 non-skipped
	assert.Equal(t, int64(1000), m.DurationP50)
	assert.Equal(t, int64(3000), m.DurationP95)
}

func TestAggregate_Idempotent(t *testing.T) {
	agg, st, project := setupAggregator(t)
	ctx := context.Background()

	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	seedRun(t, st, project.ID, day.Add(time.Hour), 10, 0, 0, 0, 500)

	require.NoError(t, agg.Aggregate(ctx, project.ID, day))
	require.NoError(t, agg.Aggregate(ctx, project.ID, day))
}

func TestAggregate_EmptyDay(t *testing.T) {
	agg, _, project := setupAggregator(t)

	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, agg.Aggregate(context.Background(), project.ID, day))
}

func TestPercentile_NearestRank(t *testing.T) {
	values := []int64{900, 100, 500, 300, 700}

	assert.Equal(t, int64(500), percentile(values, 50))
	assert.Equal(t, int64(900), percentile(values, 95))
	assert.Equal(t, int64(100), percentile(values, 1))
	assert.Equal(t, int64(0), percentile(nil, 50))

	// Input order is preserved.
	assert.Equal(t, []int64{900, 100, 500, 300, 700}, values)
}

func TestPercentile_SingleValue(t *testing.T) {
	assert.Equal(t, int64(42), percentile([]int64{42}, 50))
	assert.Equal(t, int64(42), percentile([]int64{42}, 95))
}
