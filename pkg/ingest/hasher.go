package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/flakewatch/flakewatch/pkg/report"
)

// HashMetadata are the scalar fields folded into the content hash.
type HashMetadata struct {
	Environment string `json:"environment"`
	Trigger     string `json:"trigger"`
	Branch      string `json:"branch"`
	Commit      string `json:"commit"`
}

type hashedTest struct {
	Name   string `json:"name"`
	File   string `json:"file"`
	Status string `json:"status"`
}

type hashEnvelope struct {
	Environment string       `json:"environment"`
	Trigger     string       `json:"trigger"`
	Branch      string       `json:"branch"`
	Commit      string       `json:"commit"`
	Tests       []hashedTest `json:"tests"`
}

// ContentHash computes the deterministic fingerprint of a result set,
// used as the idempotency key for duplicate detection. Tests are sorted
// by file:name before hashing, so the hash is stable under reordering of
// the input; any change to a scalar field or a test's name/file/status
// changes it.
//
// This is the single authoritative implementation: the hashing step and
// the duplicate check must both receive its output rather than
// recomputing the fingerprint independently.
func ContentHash(meta HashMetadata, tests []report.ExtractedTest) string {
	env := hashEnvelope{
		Environment: meta.Environment,
		Trigger:     meta.Trigger,
		Branch:      meta.Branch,
		Commit:      meta.Commit,
		Tests:       make([]hashedTest, 0, len(tests)),
	}

	for i := range tests {
		env.Tests = append(env.Tests, hashedTest{
			Name:   tests[i].Name,
			File:   tests[i].File,
			Status: string(tests[i].Status),
		})
	}

	sort.Slice(env.Tests, func(i, j int) bool {
		a := env.Tests[i].File + ":" + env.Tests[i].Name
		b := env.Tests[j].File + ":" + env.Tests[j].Name

		return a < b
	})

	// Struct field order is fixed, so marshaling is deterministic.
	data, err := json.Marshal(env)
	if err != nil {
		// Marshaling a struct of strings cannot fail.
		panic(err)
	}

	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:])
}
