package report

import "time"

// TestStatus is the final derived status of a test or attempt.
type TestStatus string

// Test status values.
const (
	StatusPassed   TestStatus = "passed"
	StatusFailed   TestStatus = "failed"
	StatusFlaky    TestStatus = "flaky"
	StatusSkipped  TestStatus = "skipped"
	StatusTimedOut TestStatus = "timedOut"
)

// TestStep is one node in an attempt's step trace. Steps mirror a call
// stack, so the structure is a tree with unbounded depth and no cycles.
type TestStep struct {
	Title    string     `json:"title"`
	Category string     `json:"category,omitempty"`
	Duration int64      `json:"duration"`
	Error    string     `json:"error,omitempty"`
	Location string     `json:"location,omitempty"`
	Steps    []TestStep `json:"steps,omitempty"`
}

// Attachment is a non-image binary produced by an attempt. Bodies are
// truncated at extraction time, see maxAttachmentBody.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Path        string `json:"path,omitempty"`
	Body        []byte `json:"body,omitempty"`
	Truncated   bool   `json:"truncated,omitempty"`
}

// ExtractedTestAttempt is a single execution of a test, original run or
// retry. Created once during extraction and immutable afterwards, except
// for the rewrites applied by the attachment processor (screenshot URLs,
// step offloading).
type ExtractedTestAttempt struct {
	RetryIndex  int
	Status      TestStatus
	Duration    int64
	StartTime   *time.Time
	Error       string
	ErrorStack  string
	Steps       []TestStep
	Screenshots []string
	Attachments []Attachment

	// Set by the attachment processor when the step tree is offloaded
	// to blob storage instead of being stored inline.
	StepsURL       string
	LastFailedStep *TestStep
}

// Label is a name/value annotation harvested from secondary metadata.
type Label struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// TestMetadata carries optional enrichment for a test.
type TestMetadata struct {
	Browser     string   `json:"browser,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Labels      []Label  `json:"labels,omitempty"`
	Parameters  []Label  `json:"parameters,omitempty"`
	Description string   `json:"description,omitempty"`
}

// ExtractedTest is one logical test case within a run. file+name is the
// natural dedup key across runs; ID is the source-report identifier and
// not globally unique.
type ExtractedTest struct {
	ID          string
	Name        string
	File        string
	Status      TestStatus
	Duration    int64
	Attempts    []ExtractedTestAttempt
	Screenshots []string
	Metadata    *TestMetadata
}

// ExtractionResult is the canonical output of both format extractors.
type ExtractionResult struct {
	Tests             []ExtractedTest
	CIMetadata        map[string]any
	TestExecutionTime *time.Time
	EnvironmentData   map[string]string
}

// deriveStatus maps a test's overall outcome and its last attempt's raw
// status to the final status. The skipped check comes first: a test whose
// final attempt was skipped is skipped regardless of outcome.
func deriveStatus(outcome string, last TestStatus) TestStatus {
	if last == StatusSkipped {
		return StatusSkipped
	}

	switch outcome {
	case "expected":
		return last
	case "flaky":
		return StatusFlaky
	default:
		return StatusFailed
	}
}

// LastFailedStep returns the deepest failing step in the tree, preferring
// later siblings so the returned step reflects the furthest point the
// attempt reached before failing. Returns nil when no step carries an error.
func LastFailedStep(steps []TestStep) *TestStep {
	var found *TestStep

	for i := range steps {
		step := &steps[i]
		if step.Error != "" {
			found = step
		}

		if deeper := LastFailedStep(step.Steps); deeper != nil {
			found = deeper
		}
	}

	return found
}

// CountSteps returns the total number of nodes in the step tree.
func CountSteps(steps []TestStep) int {
	n := len(steps)
	for i := range steps {
		n += CountSteps(steps[i].Steps)
	}

	return n
}
