package report

import (
	"archive/zip"
	"bytes"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildZip assembles an in-memory ZIP archive from path -> content.
func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer

	zw := zip.NewWriter(&buf)

	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)

		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}

	require.NoError(t, zw.Close())

	return buf.Bytes()
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

func TestOpenArchive_InvalidData(t *testing.T) {
	_, err := OpenArchive([]byte("not a zip"))
	require.Error(t, err)
}

func TestOpenArchive_SkipsPlatformMetadata(t *testing.T) {
	data := buildZip(t, map[string]string{
		"report.json":           `{"suites":[]}`,
		"__MACOSX/report.json":  "junk",
		"._report.json":         "junk",
		"data/.DS_Store":        "junk",
		"data/screenshot-1.png": "png",
	})

	a, err := OpenArchive(data)
	require.NoError(t, err)

	assert.ElementsMatch(t,
		[]string{"report.json", "data/screenshot-1.png"}, a.Files())
	assert.True(t, a.HasFile("report.json"))
	assert.False(t, a.HasFile("__MACOSX/report.json"))
}

func TestArchive_ReadFile(t *testing.T) {
	a, err := OpenArchive(buildZip(t, map[string]string{
		"report.json": `{"suites":[]}`,
	}))
	require.NoError(t, err)

	data, err := a.ReadFile("report.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"suites":[]}`, string(data))

	_, err = a.ReadFile("missing.json")
	require.Error(t, err)
}

func TestDetectFormat_JSON(t *testing.T) {
	a, err := OpenArchive(buildZip(t, map[string]string{
		"report.json": `{"suites":[]}`,
	}))
	require.NoError(t, err)

	format, err := a.DetectFormat()
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, format)
}

func TestDetectFormat_JSONNonStandardName(t *testing.T) {
	// A root-level JSON file with a "suites" key counts even under an
	// unexpected name.
	a, err := OpenArchive(buildZip(t, map[string]string{
		"playwright-output.json": `{"suites":[],"stats":{}}`,
	}))
	require.NoError(t, err)

	format, err := a.DetectFormat()
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, format)
}

func TestDetectFormat_HTMLTakesPriority(t *testing.T) {
	a, err := OpenArchive(buildZip(t, map[string]string{
		"index.html":  `<script>` + htmlReportMarker + `UEs=";</script>`,
		"report.json": `{"suites":[]}`,
	}))
	require.NoError(t, err)

	format, err := a.DetectFormat()
	require.NoError(t, err)
	assert.Equal(t, FormatHTML, format)
}

func TestDetectFormat_IndexWithoutPayloadFallsThrough(t *testing.T) {
	a, err := OpenArchive(buildZip(t, map[string]string{
		"index.html":  "<html>plain page</html>",
		"report.json": `{"suites":[]}`,
	}))
	require.NoError(t, err)

	format, err := a.DetectFormat()
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, format)
}

func TestDetectFormat_Unsupported(t *testing.T) {
	a, err := OpenArchive(buildZip(t, map[string]string{
		"readme.txt": "nothing here",
	}))
	require.NoError(t, err)

	_, err = a.DetectFormat()

	var unsupportedErr *UnsupportedFormatError

	require.ErrorAs(t, err, &unsupportedErr)
}
