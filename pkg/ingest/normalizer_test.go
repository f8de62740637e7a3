package ingest

import (
	"strings"
	"testing"
	"time"

	"github.com/flakewatch/flakewatch/pkg/report"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveBranch_ExplicitWins(t *testing.T) {
	ci := map[string]any{"GITHUB_HEAD_REF": "from-ci"}

	assert.Equal(t, "feature/login", ResolveBranch("feature/login", ci))

	// The literal "unknown" is treated as unset.
	assert.Equal(t, "from-ci", ResolveBranch("unknown", ci))
}

func TestResolveBranch_CIPriority(t *testing.T) {
	ci := map[string]any{
		"GITHUB_REF_NAME": "ref-name",
		"GITHUB_HEAD_REF": "head-ref",
		"branch":          "plain-branch",
	}

	// GITHUB_HEAD_REF outranks GITHUB_REF_NAME and the generic key.
	assert.Equal(t, "head-ref", ResolveBranch("", ci))

	delete(ci, "GITHUB_HEAD_REF")
	assert.Equal(t, "ref-name", ResolveBranch("", ci))

	delete(ci, "GITHUB_REF_NAME")
	assert.Equal(t, "plain-branch", ResolveBranch("", ci))
}

func TestResolveBranch_FromPullRequest(t *testing.T) {
	cases := []struct {
		name string
		ci   map[string]any
		want string
	}{
		{
			name: "ticket prefix in title",
			ci:   map[string]any{"prTitle": "PROJ-123 fix the login flow"},
			want: "PROJ-123",
		},
		{
			name: "title before colon",
			ci:   map[string]any{"prTitle": "login fixes: handle expired sessions"},
			want: "login-fixes",
		},
		{
			name: "pr number from href",
			ci:   map[string]any{"prHref": "https://github.com/acme/app/pull/456"},
			want: "pr-456",
		},
		{
			name: "nothing resolvable",
			ci:   map[string]any{"buildHref": "https://ci.example.com/b/1"},
			want: "main",
		},
		{
			name: "empty metadata",
			ci:   nil,
			want: "main",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ResolveBranch("", tc.ci))
		})
	}
}

func TestSanitizeBranch(t *testing.T) {
	assert.Equal(t, "feature/login-v2", SanitizeBranch("feature/login-v2"))
	assert.Equal(t,
		"feature/-script-alert-1--/script-",
		SanitizeBranch("feature/<script>alert(1)</script>"))

	long := strings.Repeat("a", 80)
	sanitized := SanitizeBranch(long)
	assert.Len(t, sanitized, 63)
	assert.True(t, strings.HasSuffix(sanitized, "..."))
}

func TestResolveEnvironment(t *testing.T) {
	assert.Equal(t, "staging", ResolveEnvironment("staging", "main"))

	assert.Equal(t, "production", ResolveEnvironment("", "main"))
	assert.Equal(t, "production", ResolveEnvironment("", "master"))
	assert.Equal(t, "production", ResolveEnvironment("", "release/prod-fixes"))
	assert.Equal(t, "staging", ResolveEnvironment("", "staging-deploy"))
	assert.Equal(t, "development", ResolveEnvironment("", "feature/login"))
}

func TestDecodeCIMetadata_CoercesScalars(t *testing.T) {
	meta, err := DecodeCIMetadata(map[string]any{
		"branch":    "develop",
		"commitSha": 12345,
		"prTitle":   "PROJ-1 thing",
		"unknown":   "ignored",
	})
	require.NoError(t, err)

	assert.Equal(t, "develop", meta.Branch)
	assert.Equal(t, "12345", meta.CommitSHA)
	assert.Equal(t, "PROJ-1 thing", meta.PullRequestTitle)
}

func TestComputeStats_Counts(t *testing.T) {
	tests := []report.ExtractedTest{
		{Status: report.StatusPassed, Duration: 100},
		{Status: report.StatusFailed, Duration: 200},
		{Status: report.StatusTimedOut, Duration: 50},
		{Status: report.StatusFlaky, Duration: 300},
		{Status: report.StatusSkipped},
	}

	stats := ComputeStats(tests)

	assert.Equal(t, 4, stats.Total) // skipped excluded
	assert.Equal(t, 1, stats.Passed)
	assert.Equal(t, 2, stats.Failed) // timedOut counts as failed
	assert.Equal(t, 1, stats.Flaky)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, int64(650), stats.Duration)

	// No start times: wall clock falls back to summed duration.
	assert.Equal(t, int64(650), stats.WallClockDuration)
}

func TestComputeStats_WallClockParallelOverlap(t *testing.T) {
	t0 := time.UnixMilli(0).UTC()

	tests := []report.ExtractedTest{
		{
			Status:   report.StatusPassed,
			Duration: 100,
			Attempts: []report.ExtractedTestAttempt{
				{Duration: 100, StartTime: &t0},
			},
		},
		{
			Status:   report.StatusPassed,
			Duration: 100,
			Attempts: []report.ExtractedTestAttempt{
				{Duration: 100, StartTime: &t0},
			},
		},
	}

	stats := ComputeStats(tests)

	// Two fully parallel 100ms attempts elapse 100ms, not 200ms.
	assert.Equal(t, int64(200), stats.Duration)
	assert.Equal(t, int64(100), stats.WallClockDuration)
}

func TestComputeStats_WallClockDisjointIntervals(t *testing.T) {
	t0 := time.UnixMilli(0).UTC()
	t1 := time.UnixMilli(500).UTC()

	tests := []report.ExtractedTest{
		{
			Status:   report.StatusPassed,
			Duration: 100,
			Attempts: []report.ExtractedTestAttempt{
				{Duration: 100, StartTime: &t0},
			},
		},
		{
			Status:   report.StatusPassed,
			Duration: 200,
			Attempts: []report.ExtractedTestAttempt{
				{Duration: 200, StartTime: &t1},
			},
		},
	}

	assert.Equal(t, int64(300), ComputeStats(tests).WallClockDuration)
}

func TestNormalize_CommitFromCIMetadata(t *testing.T) {
	res := &report.ExtractionResult{
		CIMetadata: map[string]any{
			"commitSha": "deadbeef",
			"branch":    "develop",
		},
	}

	info := Normalize(res, "", "", "")

	assert.Equal(t, "deadbeef", info.Commit)
	assert.Equal(t, "develop", info.Branch)
	assert.Equal(t, "development", info.Environment)
}

func TestNormalize_ExplicitValuesWin(t *testing.T) {
	res := &report.ExtractionResult{
		CIMetadata: map[string]any{"commitSha": "deadbeef", "branch": "develop"},
	}

	info := Normalize(res, "staging", "main", "cafef00d")

	assert.Equal(t, "cafef00d", info.Commit)
	assert.Equal(t, "main", info.Branch)
	assert.Equal(t, "staging", info.Environment)
}
