package ingest

import (
	"testing"

	"github.com/flakewatch/flakewatch/pkg/report"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hashFixture() (HashMetadata, []report.ExtractedTest) {
	meta := HashMetadata{
		Environment: "production",
		Trigger:     "push",
		Branch:      "main",
		Commit:      "abc123",
	}

	tests := []report.ExtractedTest{
		{Name: "logs in", File: "login.spec.ts", Status: report.StatusPassed},
		{Name: "logs out", File: "login.spec.ts", Status: report.StatusFailed},
		{Name: "charges card", File: "pay.spec.ts", Status: report.StatusFlaky},
	}

	return meta, tests
}

func TestContentHash_OrderIndependent(t *testing.T) {
	meta, tests := hashFixture()

	base := ContentHash(meta, tests)

	shuffled := []report.ExtractedTest{tests[2], tests[0], tests[1]}
	assert.Equal(t, base, ContentHash(meta, shuffled))

	reversed := []report.ExtractedTest{tests[2], tests[1], tests[0]}
	assert.Equal(t, base, ContentHash(meta, reversed))
}

func TestContentHash_SensitiveToMetadata(t *testing.T) {
	meta, tests := hashFixture()
	base := ContentHash(meta, tests)

	for name, mutate := range map[string]func(*HashMetadata){
		"environment": func(m *HashMetadata) { m.Environment = "staging" },
		"trigger":     func(m *HashMetadata) { m.Trigger = "schedule" },
		"branch":      func(m *HashMetadata) { m.Branch = "develop" },
		"commit":      func(m *HashMetadata) { m.Commit = "def456" },
	} {
		t.Run(name, func(t *testing.T) {
			changed := meta
			mutate(&changed)
			assert.NotEqual(t, base, ContentHash(changed, tests))
		})
	}
}

func TestContentHash_SensitiveToTestFields(t *testing.T) {
	meta, tests := hashFixture()
	base := ContentHash(meta, tests)

	for name, mutate := range map[string]func([]report.ExtractedTest){
		"name":   func(ts []report.ExtractedTest) { ts[0].Name = "renamed" },
		"file":   func(ts []report.ExtractedTest) { ts[0].File = "other.spec.ts" },
		"status": func(ts []report.ExtractedTest) { ts[0].Status = report.StatusFailed },
	} {
		t.Run(name, func(t *testing.T) {
			mutated := make([]report.ExtractedTest, len(tests))
			copy(mutated, tests)
			mutate(mutated)
			assert.NotEqual(t, base, ContentHash(meta, mutated))
		})
	}
}

func TestContentHash_IgnoresNonIdentityFields(t *testing.T) {
	meta, tests := hashFixture()
	base := ContentHash(meta, tests)

	// Duration and attempt details do not participate in identity.
	tests[0].Duration = 9999
	tests[0].Attempts = []report.ExtractedTestAttempt{{RetryIndex: 3}}

	assert.Equal(t, base, ContentHash(meta, tests))
}

func TestContentHash_EmptyTests(t *testing.T) {
	meta, _ := hashFixture()

	h := ContentHash(meta, nil)
	require.Len(t, h, 64)
	assert.Equal(t, h, ContentHash(meta, []report.ExtractedTest{}))
}
