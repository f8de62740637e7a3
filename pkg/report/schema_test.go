package report

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateFileFragment_OK(t *testing.T) {
	outcome, frag, err := validateFileFragment([]byte(`{
		"fileName": "a.spec.ts",
		"tests": [{
			"title": "works",
			"results": [{"status": "passed"}]
		}]
	}`))

	require.NoError(t, err)
	assert.Equal(t, ValidationOK, outcome)
	require.NotNil(t, frag)
	assert.Equal(t, "a.spec.ts", frag.FileName)
}

func TestValidateFileFragment_PartialWithoutFileName(t *testing.T) {
	outcome, frag, err := validateFileFragment([]byte(`{
		"tests": [{
			"title": "works",
			"results": [{"status": "passed"}]
		}]
	}`))

	// Strict validation fails, but a tests array permits a best-effort
	// parse; the violation is still reported.
	require.Error(t, err)
	assert.Equal(t, ValidationPartial, outcome)
	require.NotNil(t, frag)
	require.Len(t, frag.Tests, 1)
}

func TestValidateFileFragment_UnknownStatusIsPartial(t *testing.T) {
	outcome, frag, err := validateFileFragment([]byte(`{
		"fileName": "a.spec.ts",
		"tests": [{
			"title": "weird",
			"results": [{"status": "exploded"}]
		}]
	}`))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown status")
	assert.Equal(t, ValidationPartial, outcome)
	require.NotNil(t, frag)
}

func TestValidateFileFragment_Failed(t *testing.T) {
	cases := map[string]string{
		"not json":      `{"fileName":`,
		"tests missing": `{"fileName": "a.spec.ts"}`,
		"tests scalar":  `{"fileName": "a.spec.ts", "tests": 7}`,
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			outcome, frag, err := validateFileFragment([]byte(body))
			require.Error(t, err)
			assert.Equal(t, ValidationFailed, outcome)
			assert.Nil(t, frag)
		})
	}
}
