package report

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"
)

// Format identifies the source report layout inside an archive.
type Format string

// Supported report formats.
const (
	FormatJSON Format = "json"
	FormatHTML Format = "html"
)

// htmlReportMarker is the token that precedes the base64-encoded inner
// ZIP payload embedded in an HTML report's index.html.
const htmlReportMarker = `window.playwrightReportBase64 = "data:application/zip;base64,`

// jsonReportCandidates are the root-level file names probed for a raw
// JSON report.
var jsonReportCandidates = []string{
	"report.json",
	"results.json",
	"test-results.json",
}

// Archive is an in-memory ZIP archive with platform metadata entries
// (macOS resource forks and the like) filtered out.
type Archive struct {
	files map[string]*zip.File
	names []string
}

// OpenArchive opens raw bytes as a ZIP archive.
func OpenArchive(data []byte) (*Archive, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening zip archive: %w", err)
	}

	a := &Archive{
		files: make(map[string]*zip.File, len(zr.File)),
	}

	for _, f := range zr.File {
		name := path.Clean(f.Name)

		if f.FileInfo().IsDir() || isPlatformMetadata(name) {
			continue
		}

		a.files[name] = f
		a.names = append(a.names, name)
	}

	return a, nil
}

// isPlatformMetadata reports whether an entry is OS bookkeeping rather
// than report content.
func isPlatformMetadata(name string) bool {
	if strings.HasPrefix(name, "__MACOSX/") || name == "__MACOSX" {
		return true
	}

	if strings.HasPrefix(path.Base(name), "._") {
		return true
	}

	return path.Base(name) == ".DS_Store"
}

// HasFile reports whether the archive contains the given path.
func (a *Archive) HasFile(p string) bool {
	_, ok := a.files[path.Clean(p)]

	return ok
}

// ReadFile reads the contents of an archive entry.
func (a *Archive) ReadFile(p string) ([]byte, error) {
	f, ok := a.files[path.Clean(p)]
	if !ok {
		return nil, fmt.Errorf("file %q not found in archive", p)
	}

	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("opening %q: %w", p, err)
	}

	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", p, err)
	}

	return data, nil
}

// Files returns the archive's entry paths in archive order.
func (a *Archive) Files() []string {
	out := make([]string, len(a.names))
	copy(out, a.names)

	return out
}

// DetectFormat sniffs the archive layout. HTML takes priority: an
// index.html carrying the embedded payload marker wins even when a JSON
// report is also present.
func (a *Archive) DetectFormat() (Format, error) {
	if a.HasFile("index.html") {
		data, err := a.ReadFile("index.html")
		if err != nil {
			return "", fmt.Errorf("reading index.html: %w", err)
		}

		if bytes.Contains(data, []byte(htmlReportMarker)) {
			return FormatHTML, nil
		}
	}

	if _, ok := a.jsonReportFile(); ok {
		return FormatJSON, nil
	}

	return "", &UnsupportedFormatError{
		Reason: "archive contains neither an HTML report with embedded payload nor a JSON report",
	}
}

// jsonReportFile returns the path of the raw JSON report inside the
// archive, probing well-known names first and then any root-level JSON
// file with a top-level "suites" key.
func (a *Archive) jsonReportFile() (string, bool) {
	for _, name := range jsonReportCandidates {
		if a.HasFile(name) {
			return name, true
		}
	}

	for _, name := range a.names {
		if strings.Contains(name, "/") || !strings.HasSuffix(name, ".json") {
			continue
		}

		data, err := a.ReadFile(name)
		if err != nil {
			continue
		}

		var probe struct {
			Suites json.RawMessage `json:"suites"`
		}

		if err := json.Unmarshal(data, &probe); err == nil && probe.Suites != nil {
			return name, true
		}
	}

	return "", false
}
