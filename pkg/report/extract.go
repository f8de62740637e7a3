package report

import "github.com/sirupsen/logrus"

// Extract sniffs the archive format and runs the matching extractor.
func Extract(a *Archive, log logrus.FieldLogger) (*ExtractionResult, error) {
	format, err := a.DetectFormat()
	if err != nil {
		return nil, err
	}

	switch format {
	case FormatHTML:
		return ExtractHTML(a, log)
	default:
		return ExtractJSON(a, log)
	}
}
