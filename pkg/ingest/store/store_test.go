package store

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/flakewatch/flakewatch/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) Store {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	st := NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: ":memory:"},
	})
	require.NoError(t, st.Start(context.Background()))

	t.Cleanup(func() {
		require.NoError(t, st.Stop())
	})

	return st
}

func TestSeedLookups_Idempotent(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	envs := []string{"production", "staging"}
	triggers := []string{"push"}

	require.NoError(t, st.SeedLookups(ctx, envs, triggers))
	require.NoError(t, st.SeedLookups(ctx, envs, triggers))

	project, err := st.EnsureProject(ctx, "web-app")
	require.NoError(t, err)

	_, err = st.EnsureSuite(ctx, project.ID, "e2e")
	require.NoError(t, err)

	refs, err := st.ResolveRefs(ctx, project.ID, "production", "push", "e2e")
	require.NoError(t, err)
	assert.NotZero(t, refs.EnvironmentID)
	assert.NotZero(t, refs.TriggerID)
}

func TestEnsureProject_ReusesExisting(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	first, err := st.EnsureProject(ctx, "web-app")
	require.NoError(t, err)

	second, err := st.EnsureProject(ctx, "web-app")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	other, err := st.EnsureProject(ctx, "mobile-app")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestResolveRefs_LookupNotFound(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.SeedLookups(ctx, []string{"production"}, []string{"push"}))

	project, err := st.EnsureProject(ctx, "web-app")
	require.NoError(t, err)

	_, err = st.EnsureSuite(ctx, project.ID, "e2e")
	require.NoError(t, err)

	cases := []struct {
		name        string
		environment string
		trigger     string
		suite       string
		wantEntity  string
	}{
		{"environment", "mars", "push", "e2e", "environment"},
		{"trigger", "production", "telepathy", "e2e", "trigger"},
		{"suite", "production", "push", "nope", "suite"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := st.ResolveRefs(ctx, project.ID, tc.environment, tc.trigger, tc.suite)

			var lookupErr *LookupNotFoundError

			require.ErrorAs(t, err, &lookupErr)
			assert.Equal(t, tc.wantEntity, lookupErr.Entity)
		})
	}

	t.Run("project", func(t *testing.T) {
		_, err := st.ResolveRefs(ctx, 9999, "production", "push", "e2e")

		var lookupErr *LookupNotFoundError

		require.ErrorAs(t, err, &lookupErr)
		assert.Equal(t, "project", lookupErr.Entity)
	})
}

func TestUpsertSuiteTests_StableIdentity(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	project, err := st.EnsureProject(ctx, "web-app")
	require.NoError(t, err)

	suite, err := st.EnsureSuite(ctx, project.ID, "e2e")
	require.NoError(t, err)

	rows := []SuiteTest{
		{ProjectID: project.ID, SuiteID: suite.ID, File: "a.spec.ts", Name: "one"},
		{ProjectID: project.ID, SuiteID: suite.ID, File: "a.spec.ts", Name: "two"},
	}

	first, err := st.UpsertSuiteTests(ctx, rows)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.NotZero(t, first[0].ID)

	// A second run sees the same rows.
	second, err := st.UpsertSuiteTests(ctx, rows)
	require.NoError(t, err)
	require.Len(t, second, 2)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, first[1].ID, second[1].ID)
}

func seedRun(
	t *testing.T, st Store, projectID uint, hash string, ts time.Time,
) *TestRun {
	t.Helper()

	run := &TestRun{
		ProjectID:     projectID,
		EnvironmentID: 1,
		TriggerID:     1,
		SuiteID:       1,
		Environment:   "production",
		Trigger:       "push",
		Suite:         "e2e",
		Branch:        "main",
		ContentHash:   hash,
		Timestamp:     ts,
		Total:         3,
		Passed:        2,
		Failed:        1,
		Duration:      500,
	}

	require.NoError(t, st.CreateRun(context.Background(), run))

	return run
}

func TestFindRunByContentHash(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	project, err := st.EnsureProject(ctx, "web-app")
	require.NoError(t, err)

	run := seedRun(t, st, project.ID, "hash-1", time.Now().UTC())

	found, err := st.FindRunByContentHash(ctx, "hash-1", project.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, run.ID, found.ID)

	// Absent hash returns (nil, nil), not an error.
	missing, err := st.FindRunByContentHash(ctx, "hash-2", project.ID)
	require.NoError(t, err)
	assert.Nil(t, missing)

	// The check is project-scoped.
	otherProject, err := st.EnsureProject(ctx, "mobile-app")
	require.NoError(t, err)

	scoped, err := st.FindRunByContentHash(ctx, "hash-1", otherProject.ID)
	require.NoError(t, err)
	assert.Nil(t, scoped)
}

func TestGetRun_ScopedToProject(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	project, err := st.EnsureProject(ctx, "web-app")
	require.NoError(t, err)

	run := seedRun(t, st, project.ID, "hash-1", time.Now().UTC())

	found, err := st.GetRun(ctx, project.ID, run.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, run.ContentHash, found.ContentHash)

	missing, err := st.GetRun(ctx, project.ID+1, run.ID)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestListRuns_OrderedAndLimited(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	project, err := st.EnsureProject(ctx, "web-app")
	require.NoError(t, err)

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		seedRun(t, st, project.ID, "hash", base.Add(time.Duration(i)*time.Hour))
	}

	runs, err := st.ListRuns(ctx, project.ID, 3)
	require.NoError(t, err)
	require.Len(t, runs, 3)

	// Newest first.
	assert.True(t, runs[0].Timestamp.After(runs[1].Timestamp))
	assert.True(t, runs[1].Timestamp.After(runs[2].Timestamp))
}

func TestInsertTestsAndAttempts(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	project, err := st.EnsureProject(ctx, "web-app")
	require.NoError(t, err)

	run := seedRun(t, st, project.ID, "hash-1", time.Now().UTC())

	tests, err := st.InsertTests(ctx, []TestRunTest{
		{TestRunID: run.ID, SuiteTestID: 1, Name: "one", File: "a.spec.ts", Status: "passed"},
		{TestRunID: run.ID, SuiteTestID: 2, Name: "two", File: "a.spec.ts", Status: "failed"},
	})
	require.NoError(t, err)
	require.Len(t, tests, 2)
	assert.NotZero(t, tests[0].ID)

	require.NoError(t, st.InsertAttempts(ctx, []TestAttempt{
		{TestRunTestID: tests[1].ID, RetryIndex: 0, Status: "failed", Error: "boom"},
		{TestRunTestID: tests[1].ID, RetryIndex: 1, Status: "failed", Error: "boom again"},
	}))

	listed, err := st.ListRunTests(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, listed, 2)
}

func TestRunsOnDayAndReplaceDailyMetric(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	project, err := st.EnsureProject(ctx, "web-app")
	require.NoError(t, err)

	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	seedRun(t, st, project.ID, "h1", day.Add(9*time.Hour))
	seedRun(t, st, project.ID, "h2", day.Add(18*time.Hour))
	seedRun(t, st, project.ID, "h3", day.Add(25*time.Hour)) // next day

	runs, err := st.RunsOnDay(ctx, project.ID, day.Add(12*time.Hour))
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	m := &DailyMetric{
		ProjectID: project.ID,
		Day:       day.Add(12 * time.Hour), // normalized to midnight
		Runs:      2,
		Tests:     6,
	}
	require.NoError(t, st.ReplaceDailyMetric(ctx, m))
	assert.Equal(t, day, m.Day)

	// Re-aggregation replaces rather than duplicates.
	require.NoError(t, st.ReplaceDailyMetric(ctx, &DailyMetric{
		ProjectID: project.ID,
		Day:       day,
		Runs:      3,
	}))
}
