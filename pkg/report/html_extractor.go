package report

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// maxAttachmentBody caps inline attachment bodies. Larger bodies are
// truncated and flagged.
const maxAttachmentBody = 16 * 1024

// Wire structs for the HTML report's inner archive.

type htmlReportIndex struct {
	StartTime json.RawMessage `json:"startTime"`
	Metadata  map[string]any  `json:"metadata"`
}

type htmlFileFragment struct {
	FileID   string     `json:"fileId"`
	FileName string     `json:"fileName"`
	Tests    []htmlTest `json:"tests"`
}

type htmlTest struct {
	TestID      string           `json:"testId"`
	Title       string           `json:"title"`
	Path        []string         `json:"path"`
	ProjectName string           `json:"projectName"`
	Location    *htmlLocation    `json:"location"`
	Outcome     string           `json:"outcome"`
	Duration    float64          `json:"duration"`
	Tags        []string         `json:"tags"`
	Annotations []jsonAnnotation `json:"annotations"`
	Results     []htmlResult     `json:"results"`
}

type htmlLocation struct {
	File   string `json:"file"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
}

type htmlResult struct {
	Retry       int              `json:"retry"`
	StartTime   json.RawMessage  `json:"startTime"`
	Duration    float64          `json:"duration"`
	Status      string           `json:"status"`
	Error       *jsonError       `json:"error"`
	Errors      []jsonError      `json:"errors"`
	Steps       []htmlStep       `json:"steps"`
	Attachments []jsonAttachment `json:"attachments"`
}

type htmlStep struct {
	Title    string        `json:"title"`
	Category string        `json:"category"`
	Duration float64       `json:"duration"`
	Error    string        `json:"error"`
	Location *htmlLocation `json:"location"`
	Steps    []htmlStep    `json:"steps"`
}

// htmlMetadataFragment is a secondary .dat enrichment file keyed by
// content hash. Fragments are matched to tests by a path-derived key.
type htmlMetadataFragment struct {
	FullName    string  `json:"fullName"`
	Description string  `json:"description"`
	Labels      []Label `json:"labels"`
	Parameters  []Label `json:"parameters"`
}

// ExtractHTML extracts the inner ZIP payload embedded in an HTML
// report's index.html and parses its per-file test fragments. One
// malformed fragment does not abort the extraction; it is skipped with
// a logged warning.
func ExtractHTML(a *Archive, log logrus.FieldLogger) (*ExtractionResult, error) {
	inner, err := openEmbeddedArchive(a)
	if err != nil {
		return nil, err
	}

	res := &ExtractionResult{}

	if inner.HasFile("report.json") {
		if err := parseHTMLIndex(inner, res); err != nil {
			return nil, err
		}
	}

	meta := parseMetadataFragments(inner, log)

	for _, name := range inner.Files() {
		if name == "report.json" || !strings.HasSuffix(name, ".json") {
			continue
		}

		data, err := inner.ReadFile(name)
		if err != nil {
			log.WithError(err).WithField("file", name).
				Warn("Skipping unreadable report fragment")

			continue
		}

		outcome, frag, vErr := validateFileFragment(data)
		if outcome == ValidationFailed {
			log.WithError(vErr).WithField("file", name).
				Warn("Skipping malformed report fragment")

			continue
		}

		if outcome == ValidationPartial {
			log.WithError(vErr).WithField("file", name).
				Warn("Report fragment failed validation, using best-effort parse")
		}

		for i := range frag.Tests {
			res.Tests = append(res.Tests, extractHTMLTest(frag, &frag.Tests[i], meta))
		}
	}

	log.WithField("tests", len(res.Tests)).Debug("Extracted HTML report")

	return res, nil
}

// openEmbeddedArchive locates the base64 ZIP payload in index.html and
// reopens it as a nested archive.
func openEmbeddedArchive(a *Archive) (*Archive, error) {
	data, err := a.ReadFile("index.html")
	if err != nil {
		return nil, &UnsupportedFormatError{Reason: "index.html not found in archive"}
	}

	html := string(data)

	start := strings.Index(html, htmlReportMarker)
	if start < 0 {
		return nil, &UnsupportedFormatError{
			Reason: "index.html has no embedded report payload",
		}
	}

	payload := html[start+len(htmlReportMarker):]

	end := strings.IndexByte(payload, '"')
	if end < 0 {
		return nil, &InvalidReportFormatError{
			File: "index.html",
			Msg:  "embedded payload is not terminated",
		}
	}

	decoded, err := base64.StdEncoding.DecodeString(payload[:end])
	if err != nil {
		return nil, &InvalidReportFormatError{
			File: "index.html",
			Msg:  fmt.Sprintf("decoding embedded payload: %v", err),
		}
	}

	inner, err := OpenArchive(decoded)
	if err != nil {
		return nil, &InvalidReportFormatError{
			File: "index.html",
			Msg:  fmt.Sprintf("opening embedded archive: %v", err),
		}
	}

	return inner, nil
}

// parseHTMLIndex reads report.json for CI metadata and the execution
// start time. Both numeric epoch-millisecond and ISO string timestamps
// are accepted.
func parseHTMLIndex(inner *Archive, res *ExtractionResult) error {
	data, err := inner.ReadFile("report.json")
	if err != nil {
		return fmt.Errorf("reading report.json: %w", err)
	}

	var idx htmlReportIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return &InvalidReportFormatError{File: "report.json", Msg: err.Error()}
	}

	if t, ok := parseFlexibleTime(idx.StartTime); ok {
		res.TestExecutionTime = &t
	}

	if len(idx.Metadata) > 0 {
		res.CIMetadata = make(map[string]any, len(idx.Metadata))

		for k, v := range idx.Metadata {
			// CI metadata may be nested under a "ci" object; flatten it
			// so the normalizer probes one flat key space.
			if k == "ci" {
				if ci, ok := v.(map[string]any); ok {
					for ck, cv := range ci {
						res.CIMetadata[ck] = cv
					}

					continue
				}
			}

			res.CIMetadata[k] = v
		}
	}

	return nil
}

// parseFlexibleTime accepts an epoch-milliseconds number or an RFC3339
// string.
func parseFlexibleTime(raw json.RawMessage) (time.Time, bool) {
	if len(raw) == 0 {
		return time.Time{}, false
	}

	var epochMS float64
	if err := json.Unmarshal(raw, &epochMS); err == nil && epochMS > 0 {
		return time.UnixMilli(int64(epochMS)).UTC(), true
	}

	var iso string
	if err := json.Unmarshal(raw, &iso); err == nil && iso != "" {
		if t, err := time.Parse(time.RFC3339Nano, iso); err == nil {
			return t.UTC(), true
		}
	}

	return time.Time{}, false
}

// parseMetadataFragments collects .dat enrichment files keyed by the
// test key they address.
func parseMetadataFragments(inner *Archive, log logrus.FieldLogger) map[string][]htmlMetadataFragment {
	out := make(map[string][]htmlMetadataFragment)

	for _, name := range inner.Files() {
		if !strings.HasSuffix(name, ".dat") {
			continue
		}

		data, err := inner.ReadFile(name)
		if err != nil {
			continue
		}

		var frag htmlMetadataFragment
		if err := json.Unmarshal(data, &frag); err != nil || frag.FullName == "" {
			log.WithField("file", name).Debug("Ignoring unparseable metadata fragment")

			continue
		}

		out[frag.FullName] = append(out[frag.FullName], frag)
	}

	return out
}

// testMetadataKey derives the key used to match .dat fragments to a
// test: file path plus the joined title path.
func testMetadataKey(file string, titlePath []string, title string) string {
	parts := append(append([]string{}, titlePath...), title)

	return file + "#" + strings.Join(parts, " > ")
}

// extractHTMLTest builds one ExtractedTest from a fragment entry,
// including its attempts, steps, and merged secondary metadata.
func extractHTMLTest(
	frag *htmlFileFragment,
	t *htmlTest,
	meta map[string][]htmlMetadataFragment,
) ExtractedTest {
	file := frag.FileName
	if file == "" && t.Location != nil {
		file = t.Location.File
	}

	name := t.Title
	if len(t.Path) > 0 {
		name = strings.Join(t.Path, " > ") + " > " + t.Title
	}

	et := ExtractedTest{
		ID:   t.TestID,
		Name: name,
		File: file,
	}

	if t.ProjectName != "" || len(t.Tags) > 0 || len(t.Annotations) > 0 {
		et.Metadata = &TestMetadata{
			Browser: t.ProjectName,
			Tags:    t.Tags,
		}

		for _, ann := range t.Annotations {
			et.Metadata.Labels = append(et.Metadata.Labels, Label{
				Name:  ann.Type,
				Value: ann.Description,
			})
		}
	}

	// A test that never executed has no results; treat it as skipped.
	lastStatus := StatusSkipped

	for i := range t.Results {
		attempt := extractHTMLAttempt(&t.Results[i], i, &et)
		et.Duration += attempt.Duration
		et.Attempts = append(et.Attempts, attempt)
		lastStatus = attempt.Status
	}

	et.Status = deriveStatus(t.Outcome, lastStatus)

	mergeMetadataFragments(&et, meta[testMetadataKey(file, t.Path, t.Title)])

	return et
}

// extractHTMLAttempt builds one attempt from a result entry, splitting
// attachments into screenshots (image content-type with a path) and
// generic attachments (everything else with a body).
func extractHTMLAttempt(r *htmlResult, index int, et *ExtractedTest) ExtractedTestAttempt {
	status, ok := resultStatuses[r.Status]
	if !ok {
		status = StatusFailed
	}

	retry := r.Retry
	if retry == 0 && index > 0 {
		retry = index
	}

	attempt := ExtractedTestAttempt{
		RetryIndex: retry,
		Status:     status,
		Duration:   int64(r.Duration),
		Steps:      convertHTMLSteps(r.Steps),
	}

	if t, ok := parseFlexibleTime(r.StartTime); ok {
		attempt.StartTime = &t
	}

	if r.Error != nil {
		attempt.Error = r.Error.Message
		attempt.ErrorStack = r.Error.Stack
	} else if len(r.Errors) > 0 {
		attempt.Error = r.Errors[0].Message
		attempt.ErrorStack = r.Errors[0].Stack
	}

	for _, att := range r.Attachments {
		if strings.HasPrefix(att.ContentType, "image/") && att.Path != "" {
			attempt.Screenshots = append(attempt.Screenshots, att.Path)
			et.Screenshots = append(et.Screenshots, att.Path)

			continue
		}

		if att.Body == "" {
			continue
		}

		body := []byte(att.Body)

		truncated := false
		if len(body) > maxAttachmentBody {
			body = body[:maxAttachmentBody]
			truncated = true
		}

		attempt.Attachments = append(attempt.Attachments, Attachment{
			Name:        att.Name,
			ContentType: att.ContentType,
			Path:        att.Path,
			Body:        body,
			Truncated:   truncated,
		})
	}

	return attempt
}

// convertHTMLSteps converts the wire step tree to the canonical form.
func convertHTMLSteps(steps []htmlStep) []TestStep {
	if len(steps) == 0 {
		return nil
	}

	out := make([]TestStep, 0, len(steps))

	for i := range steps {
		s := &steps[i]

		step := TestStep{
			Title:    s.Title,
			Category: s.Category,
			Duration: int64(s.Duration),
			Error:    s.Error,
			Steps:    convertHTMLSteps(s.Steps),
		}

		if s.Location != nil {
			step.Location = fmt.Sprintf("%s:%d", path.Base(s.Location.File), s.Location.Line)
		}

		out = append(out, step)
	}

	return out
}

// mergeMetadataFragments merges .dat enrichment into a test's metadata
// bag. The first non-empty description wins; labels and parameters
// concatenate across all matching fragments.
func mergeMetadataFragments(et *ExtractedTest, frags []htmlMetadataFragment) {
	if len(frags) == 0 {
		return
	}

	if et.Metadata == nil {
		et.Metadata = &TestMetadata{}
	}

	for _, f := range frags {
		if et.Metadata.Description == "" && f.Description != "" {
			et.Metadata.Description = f.Description
		}

		et.Metadata.Labels = append(et.Metadata.Labels, f.Labels...)
		et.Metadata.Parameters = append(et.Metadata.Parameters, f.Parameters...)
	}
}
