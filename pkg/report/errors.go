package report

import "fmt"

// UnsupportedFormatError indicates the archive matches neither known
// report layout.
type UnsupportedFormatError struct {
	Reason string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported report format: %s", e.Reason)
}

// InvalidReportFormatError indicates a schema violation on a required
// file. Path identifies the offending field.
type InvalidReportFormatError struct {
	File string
	Path string
	Msg  string
}

func (e *InvalidReportFormatError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("invalid report format in %s at %s: %s", e.File, e.Path, e.Msg)
	}

	return fmt.Sprintf("invalid report format in %s: %s", e.File, e.Msg)
}
