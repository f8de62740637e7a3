package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flakewatch/flakewatch/pkg/ingest/store"
	"github.com/flakewatch/flakewatch/pkg/report"
	"github.com/sirupsen/logrus"
)

// MetricsAggregator recomputes derived statistics for a date bucket.
// Implementations must be idempotent for the same day.
type MetricsAggregator interface {
	Aggregate(ctx context.Context, projectID uint, day time.Time) error
}

// FailureNotifier delivers a run-failure summary to configured webhooks.
type FailureNotifier interface {
	NotifyRunFailure(ctx context.Context, summary RunFailureSummary) error
}

// RunFailureSummary is the webhook payload for a run with failures.
type RunFailureSummary struct {
	ProjectID uint    `json:"project_id"`
	OrgID     uint    `json:"org_id"`
	Project   string  `json:"project"`
	RunID     uint    `json:"run_id"`
	RunURL    string  `json:"run_url,omitempty"`
	Branch    string  `json:"branch"`
	Commit    string  `json:"commit"`
	Total     int     `json:"total"`
	Passed    int     `json:"passed"`
	Failed    int     `json:"failed"`
	Flaky     int     `json:"flaky"`
	Skipped   int     `json:"skipped"`
	PassRate  float64 `json:"pass_rate"`
}

// UploadOptions carry the caller-supplied metadata for one upload.
type UploadOptions struct {
	ProjectID   uint
	Environment string
	Trigger     string
	Suite       string
	Branch      string
	Commit      string
	Filename    string
}

// Result is the outcome of a successful or duplicate ingest.
type Result struct {
	Duplicate         bool
	ExistingRunID     uint
	ExistingTimestamp time.Time

	Run         *store.TestRun
	Tests       []store.TestRunTest
	ContentHash string

	// Project/org identity resolved during persist, used by the
	// webhook trigger contract.
	ProjectName string
	OrgID       uint
}

// Ingester runs the full report ingestion pipeline: extract, normalize,
// hash, duplicate-check, upload attachments, persist, post-ingest hooks.
type Ingester struct {
	log        logrus.FieldLogger
	store      store.Store
	processor  *AttachmentProcessor
	aggregator MetricsAggregator
	notifier   FailureNotifier
	publicURL  string
}

// NewIngester creates an Ingester. aggregator and notifier may be nil,
// in which case the corresponding post-ingest hook is skipped.
func NewIngester(
	log logrus.FieldLogger,
	st store.Store,
	processor *AttachmentProcessor,
	aggregator MetricsAggregator,
	notifier FailureNotifier,
	publicURL string,
) *Ingester {
	return &Ingester{
		log:        log.WithField("component", "ingester"),
		store:      st,
		processor:  processor,
		aggregator: aggregator,
		notifier:   notifier,
		publicURL:  publicURL,
	}
}

// Ingest processes one uploaded archive end to end. Format and
// extraction errors abort immediately; a duplicate short-circuits
// before any write; post-ingest hook failures are logged and never
// change the reported outcome.
func (i *Ingester) Ingest(
	ctx context.Context, archive []byte, opts UploadOptions,
) (*Result, error) {
	a, err := report.OpenArchive(archive)
	if err != nil {
		return nil, &report.UnsupportedFormatError{
			Reason: fmt.Sprintf("not a valid zip archive: %v", err),
		}
	}

	res, err := report.Extract(a, i.log)
	if err != nil {
		return nil, err
	}

	info := Normalize(res, opts.Environment, opts.Branch, opts.Commit)

	// The content hash is computed exactly once and reused for both the
	// duplicate check and the run row.
	contentHash := ContentHash(HashMetadata{
		Environment: info.Environment,
		Trigger:     opts.Trigger,
		Branch:      info.Branch,
		Commit:      info.Commit,
	}, res.Tests)

	existing, err := i.store.FindRunByContentHash(ctx, contentHash, opts.ProjectID)
	if err != nil {
		return nil, &StorageError{Op: "duplicate check", Err: err}
	}

	if existing != nil {
		i.log.WithFields(logrus.Fields{
			"project":      opts.ProjectID,
			"existing_run": existing.ID,
		}).Info("Duplicate upload detected")

		return &Result{
			Duplicate:         true,
			ExistingRunID:     existing.ID,
			ExistingTimestamp: existing.Timestamp,
			ContentHash:       contentHash,
		}, nil
	}

	runKey := fmt.Sprintf("projects/%d/runs/%s", opts.ProjectID, contentHash[:12])

	if err := i.processor.ProcessScreenshots(ctx, a, runKey, res.Tests); err != nil {
		return nil, &StorageError{Op: "screenshot upload", Err: err}
	}

	result, err := i.persist(ctx, res, info, contentHash, runKey, opts)
	if err != nil {
		return nil, err
	}

	i.runPostIngestHooks(result)

	return result, nil
}

// persist runs the write sequence: resolve foreign keys, insert the run
// header, upsert suite-test definitions, insert tests, then attempts.
// Each step's failure aborts the rest; the sequence is deliberately not
// one transaction, so a mid-sequence failure may leave partial rows for
// out-of-band reconciliation.
func (i *Ingester) persist(
	ctx context.Context,
	res *report.ExtractionResult,
	info RunInfo,
	contentHash, runKey string,
	opts UploadOptions,
) (*Result, error) {
	refs, err := i.store.ResolveRefs(
		ctx, opts.ProjectID, info.Environment, opts.Trigger, opts.Suite,
	)
	if err != nil {
		return nil, err
	}

	timestamp := time.Now().UTC()
	if res.TestExecutionTime != nil {
		timestamp = *res.TestExecutionTime
	}

	run := &store.TestRun{
		ProjectID:         refs.ProjectID,
		EnvironmentID:     refs.EnvironmentID,
		TriggerID:         refs.TriggerID,
		SuiteID:           refs.SuiteID,
		Environment:       info.Environment,
		Trigger:           opts.Trigger,
		Suite:             opts.Suite,
		Branch:            info.Branch,
		Commit:            info.Commit,
		ContentHash:       contentHash,
		Filename:          opts.Filename,
		Timestamp:         timestamp,
		Total:             info.Stats.Total,
		Passed:            info.Stats.Passed,
		Failed:            info.Stats.Failed,
		Flaky:             info.Stats.Flaky,
		Skipped:           info.Stats.Skipped,
		Duration:          info.Stats.Duration,
		WallClockDuration: info.Stats.WallClockDuration,
		CIMetadataJSON:    marshalJSON(res.CIMetadata),
	}

	if err := i.store.CreateRun(ctx, run); err != nil {
		return nil, &StorageError{Op: "create run", Err: err}
	}

	suiteTestIDs, err := i.upsertSuiteTests(ctx, refs, res.Tests)
	if err != nil {
		return nil, err
	}

	testRows := make([]store.TestRunTest, 0, len(res.Tests))

	for idx := range res.Tests {
		t := &res.Tests[idx]

		row := store.TestRunTest{
			TestRunID:       run.ID,
			SuiteTestID:     suiteTestIDs[suiteTestKey(t.File, t.Name)],
			SourceID:        t.ID,
			Name:            t.Name,
			File:            t.File,
			Status:          string(t.Status),
			Duration:        t.Duration,
			ScreenshotsJSON: marshalJSON(t.Screenshots),
		}

		if t.Metadata != nil {
			row.MetadataJSON = marshalJSON(t.Metadata)
		}

		testRows = append(testRows, row)
	}

	testRows, err = i.store.InsertTests(ctx, testRows)
	if err != nil {
		return nil, &StorageError{Op: "insert tests", Err: err}
	}

	if err := i.insertAttempts(ctx, res.Tests, testRows, runKey); err != nil {
		return nil, err
	}

	i.log.WithFields(logrus.Fields{
		"run":     run.ID,
		"project": run.ProjectID,
		"tests":   len(testRows),
		"failed":  run.Failed,
		"flaky":   run.Flaky,
	}).Info("Run ingested")

	return &Result{
		Run:         run,
		Tests:       testRows,
		ContentHash: contentHash,
		ProjectName: refs.ProjectName,
		OrgID:       refs.OrgID,
	}, nil
}

// upsertSuiteTests dedups test definitions by (file, name) and resolves
// each to its persistent suite-test ID.
func (i *Ingester) upsertSuiteTests(
	ctx context.Context,
	refs *store.IngestRefs,
	tests []report.ExtractedTest,
) (map[string]uint, error) {
	seen := make(map[string]struct{}, len(tests))
	rows := make([]store.SuiteTest, 0, len(tests))

	for idx := range tests {
		key := suiteTestKey(tests[idx].File, tests[idx].Name)
		if _, ok := seen[key]; ok {
			continue
		}

		seen[key] = struct{}{}
		rows = append(rows, store.SuiteTest{
			ProjectID: refs.ProjectID,
			SuiteID:   refs.SuiteID,
			File:      tests[idx].File,
			Name:      tests[idx].Name,
		})
	}

	upserted, err := i.store.UpsertSuiteTests(ctx, rows)
	if err != nil {
		return nil, &StorageError{Op: "upsert suite tests", Err: err}
	}

	ids := make(map[string]uint, len(upserted))
	for _, st := range upserted {
		ids[suiteTestKey(st.File, st.Name)] = st.ID
	}

	return ids, nil
}

// insertAttempts offloads oversized step trees and inserts one row per
// attempt, foreign-keyed to its test row.
func (i *Ingester) insertAttempts(
	ctx context.Context,
	tests []report.ExtractedTest,
	testRows []store.TestRunTest,
	runKey string,
) error {
	var rows []store.TestAttempt

	for idx := range tests {
		t := &tests[idx]

		for j := range t.Attempts {
			attempt := &t.Attempts[j]

			attemptKey := fmt.Sprintf(
				"%s/tests/%d/attempts/%d", runKey, testRows[idx].ID, attempt.RetryIndex,
			)

			stepsJSON, err := i.processor.OffloadSteps(ctx, attemptKey, attempt)
			if err != nil {
				return &StorageError{Op: "offload steps", Err: err}
			}

			row := store.TestAttempt{
				TestRunTestID:   testRows[idx].ID,
				RetryIndex:      attempt.RetryIndex,
				Status:          string(attempt.Status),
				Duration:        attempt.Duration,
				StartedAt:       attempt.StartTime,
				Error:           attempt.Error,
				ErrorStack:      attempt.ErrorStack,
				StepsJSON:       stepsJSON,
				StepsURL:        attempt.StepsURL,
				ScreenshotsJSON: marshalJSON(attempt.Screenshots),
			}

			if attempt.LastFailedStep != nil {
				row.LastFailedStepJSON = marshalJSON(attempt.LastFailedStep)
			}

			if len(attempt.Attachments) > 0 {
				row.AttachmentsJSON = marshalJSON(attempt.Attachments)
			}

			rows = append(rows, row)
		}
	}

	if err := i.store.InsertAttempts(ctx, rows); err != nil {
		return &StorageError{Op: "insert attempts", Err: err}
	}

	return nil
}

// runPostIngestHooks triggers metrics aggregation and, when the run has
// failures, the webhook notifier. Both are best effort: failures are
// logged and never escalate to the caller.
func (i *Ingester) runPostIngestHooks(result *Result) {
	ctx := context.Background()

	if i.aggregator != nil {
		if err := i.aggregator.Aggregate(
			ctx, result.Run.ProjectID, result.Run.Timestamp,
		); err != nil {
			i.log.WithError(err).Warn("Metrics aggregation failed after ingest")
		}
	}

	if i.notifier != nil && result.Run.Failed > 0 {
		summary := i.buildFailureSummary(result)

		if err := i.notifier.NotifyRunFailure(ctx, summary); err != nil {
			i.log.WithError(err).Warn("Run failure notification failed")
		}
	}
}

func (i *Ingester) buildFailureSummary(result *Result) RunFailureSummary {
	run := result.Run

	summary := RunFailureSummary{
		ProjectID: run.ProjectID,
		OrgID:     result.OrgID,
		Project:   result.ProjectName,
		RunID:     run.ID,
		Branch:    run.Branch,
		Commit:    run.Commit,
		Total:     run.Total,
		Passed:    run.Passed,
		Failed:    run.Failed,
		Flaky:     run.Flaky,
		Skipped:   run.Skipped,
	}

	if run.Total > 0 {
		summary.PassRate = float64(run.Passed) / float64(run.Total)
	}

	if i.publicURL != "" {
		summary.RunURL = fmt.Sprintf(
			"%s/projects/%d/runs/%d", i.publicURL, run.ProjectID, run.ID,
		)
	}

	return summary
}

func suiteTestKey(file, name string) string {
	return file + "\x00" + name
}

// marshalJSON serializes v, returning "" for nil or failed values so
// text columns stay empty rather than holding "null".
func marshalJSON(v any) string {
	if v == nil {
		return ""
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}

	return string(data)
}
