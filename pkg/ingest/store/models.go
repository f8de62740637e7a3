package store

import "time"

// Project is a tenant-scoped container for suites and runs. Project
// CRUD lives outside the ingest core; the ingester only resolves and
// reads these rows.
type Project struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	OrgID     uint      `gorm:"index" json:"org_id"`
	Name      string    `gorm:"uniqueIndex;not null" json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Environment is a named execution environment (production, staging, ...).
type Environment struct {
	ID   uint   `gorm:"primaryKey" json:"id"`
	Name string `gorm:"uniqueIndex;not null" json:"name"`
}

// Trigger is a named run trigger (push, schedule, manual, ...).
type Trigger struct {
	ID   uint   `gorm:"primaryKey" json:"id"`
	Name string `gorm:"uniqueIndex;not null" json:"name"`
}

// Suite groups runs within a project (one suite per test project or repo).
type Suite struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	ProjectID uint      `gorm:"not null;uniqueIndex:idx_suites_project_name" json:"project_id"`
	Name      string    `gorm:"not null;uniqueIndex:idx_suites_project_name" json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// SuiteTest is the deduplicated identity of a test definition shared
// across runs, keyed by (project, suite, file, name).
type SuiteTest struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	ProjectID uint      `gorm:"not null;uniqueIndex:idx_suite_tests_key" json:"project_id"`
	SuiteID   uint      `gorm:"not null;uniqueIndex:idx_suite_tests_key" json:"suite_id"`
	File      string    `gorm:"not null;uniqueIndex:idx_suite_tests_key" json:"file"`
	Name      string    `gorm:"not null;uniqueIndex:idx_suite_tests_key" json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// TestRun is one uploaded report: the run header row. The
// (project_id, content_hash) index backs duplicate detection; it is not
// unique because the duplicate check is advisory, not enforced.
type TestRun struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	ProjectID     uint      `gorm:"not null;index:idx_runs_project_hash" json:"project_id"`
	EnvironmentID uint      `gorm:"not null" json:"environment_id"`
	TriggerID     uint      `gorm:"not null" json:"trigger_id"`
	SuiteID       uint      `gorm:"not null;index" json:"suite_id"`
	Environment   string    `gorm:"not null" json:"environment"`
	Trigger       string    `gorm:"not null" json:"trigger"`
	Suite         string    `gorm:"not null" json:"suite"`
	Branch        string    `gorm:"index" json:"branch"`
	Commit        string    `json:"commit"`
	ContentHash   string    `gorm:"not null;index:idx_runs_project_hash" json:"content_hash"`
	Filename      string    `json:"filename"`
	Timestamp     time.Time `gorm:"index" json:"timestamp"`

	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Flaky   int `json:"flaky"`
	Skipped int `json:"skipped"`

	// Duration sums test durations; WallClockDuration is elapsed real
	// time across parallel workers. Both in milliseconds.
	Duration          int64 `json:"duration"`
	WallClockDuration int64 `json:"wall_clock_duration"`

	CIMetadataJSON string `gorm:"type:text" json:"-"`

	CreatedAt time.Time `json:"created_at"`
}

// TestRunTest is one test instance within a run.
type TestRunTest struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	TestRunID   uint   `gorm:"not null;index" json:"test_run_id"`
	SuiteTestID uint   `gorm:"not null;index" json:"suite_test_id"`
	SourceID    string `json:"source_id"`
	Name        string `gorm:"not null" json:"name"`
	File        string `gorm:"not null" json:"file"`
	Status      string `gorm:"not null;index" json:"status"`
	Duration    int64  `json:"duration"`

	ScreenshotsJSON string `gorm:"type:text" json:"-"`
	MetadataJSON    string `gorm:"type:text" json:"-"`
}

// TestAttempt is one execution of a test, original run or retry.
// Steps are stored inline as JSON unless offloaded, in which case
// StepsURL points at blob storage and LastFailedStepJSON keeps the
// failure summary renderable without a fetch.
type TestAttempt struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	TestRunTestID uint       `gorm:"not null;index" json:"test_run_test_id"`
	RetryIndex    int        `gorm:"not null" json:"retry_index"`
	Status        string     `gorm:"not null" json:"status"`
	Duration      int64      `json:"duration"`
	StartedAt     *time.Time `json:"started_at"`
	Error         string     `gorm:"type:text" json:"error,omitempty"`
	ErrorStack    string     `gorm:"type:text" json:"error_stack,omitempty"`

	StepsJSON          string `gorm:"type:text" json:"-"`
	StepsURL           string `json:"steps_url,omitempty"`
	LastFailedStepJSON string `gorm:"type:text" json:"-"`
	ScreenshotsJSON    string `gorm:"type:text" json:"-"`
	AttachmentsJSON    string `gorm:"type:text" json:"-"`
}

// DailyMetric is the per-project daily aggregate, recomputed
// idempotently for a date bucket after each ingest.
type DailyMetric struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	ProjectID uint      `gorm:"not null;uniqueIndex:idx_metrics_project_day" json:"project_id"`
	Day       time.Time `gorm:"not null;uniqueIndex:idx_metrics_project_day" json:"day"`

	Runs    int `json:"runs"`
	Tests   int `json:"tests"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Flaky   int `json:"flaky"`
	Skipped int `json:"skipped"`

	FlakinessRate float64 `json:"flakiness_rate"`
	DurationP50   int64   `json:"duration_p50"`
	DurationP95   int64   `json:"duration_p95"`

	UpdatedAt time.Time `json:"updated_at"`
}
