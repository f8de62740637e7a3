package report

import (
	"encoding/json"
	"fmt"
)

// ValidationOutcome tags the result of validating a per-file test
// fragment inside an HTML report.
type ValidationOutcome int

// Validation outcomes. Partial means strict validation failed but the
// shape was plausible enough for a best-effort parse.
const (
	ValidationOK ValidationOutcome = iota
	ValidationPartial
	ValidationFailed
)

// validateFileFragment checks a fragment against the expected shape and
// decodes it. On strict failure it falls back to a lenient structural
// check (the fragment has a tests array) before giving up.
func validateFileFragment(data []byte) (ValidationOutcome, *htmlFileFragment, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return ValidationFailed, nil, fmt.Errorf("parsing fragment: %w", err)
	}

	strictErr := checkFragmentShape(raw)
	if strictErr == nil {
		var frag htmlFileFragment
		if err := json.Unmarshal(data, &frag); err != nil {
			return ValidationFailed, nil, fmt.Errorf("decoding fragment: %w", err)
		}

		return ValidationOK, &frag, nil
	}

	// Lenient path: a tests array is enough to attempt a raw parse.
	if _, ok := raw["tests"].([]any); ok {
		var frag htmlFileFragment
		if err := json.Unmarshal(data, &frag); err != nil {
			return ValidationFailed, nil,
				fmt.Errorf("lenient decode after %v: %w", strictErr, err)
		}

		return ValidationPartial, &frag, strictErr
	}

	return ValidationFailed, nil, strictErr
}

// checkFragmentShape reports the first field-level schema violation in a
// decoded fragment, or nil when the required shape holds.
func checkFragmentShape(raw map[string]any) error {
	if _, ok := raw["fileName"].(string); !ok {
		return fmt.Errorf("fileName: expected string")
	}

	tests, ok := raw["tests"].([]any)
	if !ok {
		return fmt.Errorf("tests: expected array")
	}

	for i, t := range tests {
		tm, ok := t.(map[string]any)
		if !ok {
			return fmt.Errorf("tests[%d]: expected object", i)
		}

		if _, ok := tm["title"].(string); !ok {
			return fmt.Errorf("tests[%d].title: expected string", i)
		}

		results, ok := tm["results"].([]any)
		if !ok {
			return fmt.Errorf("tests[%d].results: expected array", i)
		}

		for j, r := range results {
			rm, ok := r.(map[string]any)
			if !ok {
				return fmt.Errorf("tests[%d].results[%d]: expected object", i, j)
			}

			status, ok := rm["status"].(string)
			if !ok {
				return fmt.Errorf("tests[%d].results[%d].status: expected string", i, j)
			}

			if _, known := resultStatuses[status]; !known {
				return fmt.Errorf(
					"tests[%d].results[%d].status: unknown status %q", i, j, status,
				)
			}
		}
	}

	return nil
}
