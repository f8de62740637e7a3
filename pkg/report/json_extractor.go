package report

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Wire structs for the raw JSON report: a nested suite/spec/result tree.

type jsonReport struct {
	Config json.RawMessage `json:"config"`
	Suites []jsonSuite     `json:"suites"`
	Stats  json.RawMessage `json:"stats"`
}

type jsonSuite struct {
	Title  string      `json:"title"`
	File   string      `json:"file"`
	Suites []jsonSuite `json:"suites"`
	Specs  []jsonSpec  `json:"specs"`
}

type jsonSpec struct {
	ID    string     `json:"id"`
	Title string     `json:"title"`
	File  string     `json:"file"`
	Line  int        `json:"line"`
	Tests []jsonTest `json:"tests"`
}

type jsonTest struct {
	ProjectName string           `json:"projectName"`
	Status      string           `json:"status"` // outcome: expected/unexpected/flaky/skipped
	Annotations []jsonAnnotation `json:"annotations"`
	Results     []jsonResult     `json:"results"`
}

type jsonAnnotation struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

type jsonResult struct {
	Status      string           `json:"status"`
	Duration    float64          `json:"duration"`
	Retry       int              `json:"retry"`
	StartTime   string           `json:"startTime"`
	Error       *jsonError       `json:"error"`
	Errors      []jsonError      `json:"errors"`
	Attachments []jsonAttachment `json:"attachments"`
}

type jsonError struct {
	Message string `json:"message"`
	Stack   string `json:"stack"`
}

type jsonAttachment struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Path        string `json:"path"`
	Body        string `json:"body"`
}

// resultStatuses are the raw per-result statuses the reporter emits.
var resultStatuses = map[string]TestStatus{
	"passed":      StatusPassed,
	"failed":      StatusFailed,
	"timedOut":    StatusTimedOut,
	"skipped":     StatusSkipped,
	"interrupted": StatusFailed,
}

// ExtractJSON parses a raw JSON report archive into the canonical
// extraction result. A malformed report shape aborts the extraction
// with an InvalidReportFormatError naming the violation path.
func ExtractJSON(a *Archive, log logrus.FieldLogger) (*ExtractionResult, error) {
	name, ok := a.jsonReportFile()
	if !ok {
		return nil, &UnsupportedFormatError{Reason: "no JSON report file in archive"}
	}

	data, err := a.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}

	var rep jsonReport
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, &InvalidReportFormatError{File: name, Msg: err.Error()}
	}

	if rep.Suites == nil {
		return nil, &InvalidReportFormatError{
			File: name,
			Path: "suites",
			Msg:  "required field is missing",
		}
	}

	res := &ExtractionResult{}

	for i := range rep.Suites {
		tests, err := walkJSONSuite(&rep.Suites[i], nil, fmt.Sprintf("suites[%d]", i), name)
		if err != nil {
			return nil, err
		}

		res.Tests = append(res.Tests, tests...)
	}

	log.WithFields(logrus.Fields{
		"file":  name,
		"tests": len(res.Tests),
	}).Debug("Extracted JSON report")

	return res, nil
}

// walkJSONSuite recursively flattens a suite subtree into extracted tests.
// titlePath accumulates enclosing suite titles for the test name.
func walkJSONSuite(s *jsonSuite, titlePath []string, fieldPath, file string) ([]ExtractedTest, error) {
	// The root file-level suite repeats the file name as its title;
	// keep only describe-block titles in the test name.
	if s.Title != "" && s.Title != s.File {
		titlePath = append(titlePath, s.Title)
	}

	var out []ExtractedTest

	for i := range s.Specs {
		spec := &s.Specs[i]

		specPath := fmt.Sprintf("%s.specs[%d]", fieldPath, i)

		for j := range spec.Tests {
			test, err := extractJSONSpecTest(spec, &spec.Tests[j], titlePath,
				fmt.Sprintf("%s.tests[%d]", specPath, j), file)
			if err != nil {
				return nil, err
			}

			out = append(out, *test)
		}
	}

	for i := range s.Suites {
		tests, err := walkJSONSuite(&s.Suites[i], titlePath,
			fmt.Sprintf("%s.suites[%d]", fieldPath, i), file)
		if err != nil {
			return nil, err
		}

		out = append(out, tests...)
	}

	return out, nil
}

// extractJSONSpecTest builds one ExtractedTest from a spec/test pair.
// The last result is authoritative for status; duration sums across all
// results, retries included.
func extractJSONSpecTest(
	spec *jsonSpec,
	test *jsonTest,
	titlePath []string,
	fieldPath, file string,
) (*ExtractedTest, error) {
	if spec.Title == "" {
		return nil, &InvalidReportFormatError{
			File: file,
			Path: fieldPath + ".title",
			Msg:  "spec title is required",
		}
	}

	name := spec.Title
	if len(titlePath) > 0 {
		name = strings.Join(titlePath, " > ") + " > " + spec.Title
	}

	et := &ExtractedTest{
		ID:   spec.ID,
		Name: name,
		File: spec.File,
	}

	if test.ProjectName != "" {
		et.Metadata = &TestMetadata{Browser: test.ProjectName}
	}

	// A spec that never executed has no results; treat it as skipped.
	lastStatus := StatusSkipped

	for k := range test.Results {
		r := &test.Results[k]

		status, ok := resultStatuses[r.Status]
		if !ok {
			return nil, &InvalidReportFormatError{
				File: file,
				Path: fmt.Sprintf("%s.results[%d].status", fieldPath, k),
				Msg:  fmt.Sprintf("unknown result status %q", r.Status),
			}
		}

		attempt := ExtractedTestAttempt{
			RetryIndex: r.Retry,
			Status:     status,
			Duration:   int64(r.Duration),
		}

		if r.StartTime != "" {
			if t, err := time.Parse(time.RFC3339Nano, r.StartTime); err == nil {
				attempt.StartTime = &t
			}
		}

		if r.Error != nil {
			attempt.Error = r.Error.Message
			attempt.ErrorStack = r.Error.Stack
		} else if len(r.Errors) > 0 {
			attempt.Error = r.Errors[0].Message
			attempt.ErrorStack = r.Errors[0].Stack
		}

		// The JSON format only extracts screenshots: image attachments
		// that carry a path. Everything else is ignored at this stage.
		for _, att := range r.Attachments {
			if strings.HasPrefix(att.ContentType, "image/") && att.Path != "" {
				attempt.Screenshots = append(attempt.Screenshots, att.Path)
				et.Screenshots = append(et.Screenshots, att.Path)
			}
		}

		et.Duration += attempt.Duration
		et.Attempts = append(et.Attempts, attempt)
		lastStatus = status
	}

	et.Status = deriveStatus(test.Status, lastStatus)

	return et, nil
}
