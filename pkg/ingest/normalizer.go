package ingest

import (
	"regexp"
	"sort"
	"strings"

	"github.com/flakewatch/flakewatch/pkg/report"
	"github.com/mitchellh/mapstructure"
)

const (
	// fallbackBranch is used when nothing else resolves a branch.
	fallbackBranch = "main"

	// maxBranchLength caps sanitized branch names; longer values are
	// truncated with an ellipsis marker.
	maxBranchLength = 60
)

// branchMetadataKeys is the priority-ordered list of CI metadata keys
// probed for a branch name.
var branchMetadataKeys = []string{
	"GITHUB_HEAD_REF",
	"GITHUB_REF_NAME",
	"CI_COMMIT_REF_NAME",
	"BUILDKITE_BRANCH",
	"CIRCLE_BRANCH",
	"GIT_BRANCH",
	"BRANCH_NAME",
	"branch",
}

var (
	branchCharset = regexp.MustCompile(`[^A-Za-z0-9\-_/]`)
	ticketPrefix  = regexp.MustCompile(`^[A-Z]+-\d+`)
	prNumber      = regexp.MustCompile(`/pull/(\d+)`)
)

// CIMetadata is the typed view of the raw CI metadata map carried by
// HTML reports.
type CIMetadata struct {
	Branch           string `mapstructure:"branch"`
	CommitSHA        string `mapstructure:"commitSha"`
	CommitHref       string `mapstructure:"commitHref"`
	PullRequestTitle string `mapstructure:"prTitle"`
	PullRequestHref  string `mapstructure:"prHref"`
	BuildHref        string `mapstructure:"buildHref"`
}

// DecodeCIMetadata decodes the raw metadata map into its typed form.
// Unknown keys are ignored; scalar types are coerced.
func DecodeCIMetadata(raw map[string]any) (CIMetadata, error) {
	var meta CIMetadata

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &meta,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return meta, err
	}

	if err := dec.Decode(raw); err != nil {
		return meta, err
	}

	return meta, nil
}

// RunInfo is the normalized view of one upload.
type RunInfo struct {
	Branch      string
	Commit      string
	Environment string
	Stats       RunStats
}

// RunStats are the aggregate statistics for a run. Duration sums test
// durations (CPU time); WallClockDuration is the elapsed real time
// across overlapping attempt intervals.
type RunStats struct {
	Total             int
	Passed            int
	Failed            int
	Flaky             int
	Skipped           int
	Duration          int64
	WallClockDuration int64
}

// Normalize derives branch, environment, commit, and aggregate stats
// from an extraction result and the caller-supplied metadata.
func Normalize(res *report.ExtractionResult, environment, branch, commit string) RunInfo {
	info := RunInfo{
		Branch: ResolveBranch(branch, res.CIMetadata),
		Commit: commit,
		Stats:  ComputeStats(res.Tests),
	}

	if info.Commit == "" {
		if meta, err := DecodeCIMetadata(res.CIMetadata); err == nil {
			info.Commit = meta.CommitSHA
		}
	}

	info.Environment = ResolveEnvironment(environment, info.Branch)

	return info
}

// ResolveBranch resolves the run's branch: an explicit user-supplied
// value wins, then CI metadata keys in priority order, then a branch
// derived from pull-request metadata, then "main". The result is always
// sanitized.
func ResolveBranch(explicit string, ciMetadata map[string]any) string {
	if explicit != "" && explicit != "unknown" {
		return SanitizeBranch(explicit)
	}

	for _, key := range branchMetadataKeys {
		if v, ok := ciMetadata[key].(string); ok && v != "" {
			return SanitizeBranch(v)
		}
	}

	meta, err := DecodeCIMetadata(ciMetadata)
	if err == nil {
		if b := branchFromPullRequest(meta); b != "" {
			return SanitizeBranch(b)
		}
	}

	return fallbackBranch
}

// branchFromPullRequest derives a branch-like name from PR metadata:
// a ticket prefix in the title, else the title up to the first colon,
// else pr-<number> from the PR URL.
func branchFromPullRequest(meta CIMetadata) string {
	if meta.PullRequestTitle != "" {
		if ticket := ticketPrefix.FindString(meta.PullRequestTitle); ticket != "" {
			return ticket
		}

		if idx := strings.Index(meta.PullRequestTitle, ":"); idx > 0 {
			return strings.TrimSpace(meta.PullRequestTitle[:idx])
		}
	}

	if meta.PullRequestHref != "" {
		if m := prNumber.FindStringSubmatch(meta.PullRequestHref); m != nil {
			return "pr-" + m[1]
		}
	}

	return ""
}

// SanitizeBranch replaces characters outside [A-Za-z0-9-_/] with "-"
// and truncates at maxBranchLength with an ellipsis marker.
func SanitizeBranch(branch string) string {
	clean := branchCharset.ReplaceAllString(branch, "-")

	if len(clean) > maxBranchLength {
		clean = clean[:maxBranchLength] + "..."
	}

	return clean
}

// ResolveEnvironment returns the explicit environment when supplied,
// otherwise infers one from the branch name. Inference uses the raw
// branch semantics only; it is independent of sanitization.
func ResolveEnvironment(explicit, branch string) string {
	if explicit != "" {
		return explicit
	}

	lower := strings.ToLower(branch)

	switch {
	case lower == "main" || lower == "master" || strings.Contains(lower, "prod"):
		return "production"
	case strings.Contains(lower, "stag"):
		return "staging"
	default:
		return "development"
	}
}

// ComputeStats aggregates per-test results. Total counts non-skipped
// tests; Duration sums test durations; WallClockDuration unions attempt
// intervals across parallel workers.
func ComputeStats(tests []report.ExtractedTest) RunStats {
	var stats RunStats

	for i := range tests {
		t := &tests[i]

		switch t.Status {
		case report.StatusPassed:
			stats.Passed++
		case report.StatusFailed, report.StatusTimedOut:
			stats.Failed++
		case report.StatusFlaky:
			stats.Flaky++
		case report.StatusSkipped:
			stats.Skipped++
		}

		if t.Status != report.StatusSkipped {
			stats.Total++
		}

		stats.Duration += t.Duration
	}

	stats.WallClockDuration = wallClockDuration(tests)
	if stats.WallClockDuration == 0 {
		stats.WallClockDuration = stats.Duration
	}

	return stats
}

type interval struct {
	start int64
	end   int64
}

// wallClockDuration computes elapsed real time as the union length of
// all attempt execution intervals, so two attempts running in parallel
// on separate workers count once. Returns 0 when no attempt carries a
// start time.
func wallClockDuration(tests []report.ExtractedTest) int64 {
	var intervals []interval

	for i := range tests {
		for j := range tests[i].Attempts {
			a := &tests[i].Attempts[j]
			if a.StartTime == nil {
				continue
			}

			start := a.StartTime.UnixMilli()
			intervals = append(intervals, interval{
				start: start,
				end:   start + a.Duration,
			})
		}
	}

	if len(intervals) == 0 {
		return 0
	}

	sort.Slice(intervals, func(i, j int) bool {
		return intervals[i].start < intervals[j].start
	})

	var (
		total int64
		cur   = intervals[0]
	)

	for _, iv := range intervals[1:] {
		if iv.start <= cur.end {
			if iv.end > cur.end {
				cur.end = iv.end
			}

			continue
		}

		total += cur.end - cur.start
		cur = iv
	}

	total += cur.end - cur.start

	return total
}
