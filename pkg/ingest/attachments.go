package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/flakewatch/flakewatch/pkg/ingest/storage"
	"github.com/flakewatch/flakewatch/pkg/report"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ProcessorOptions tune the attachment processor.
type ProcessorOptions struct {
	// Concurrency bounds parallel blob uploads per ingest.
	Concurrency int

	// MaxInlineStepsBytes and MaxInlineStepsCount set the thresholds
	// above which a step tree is offloaded to blob storage.
	MaxInlineStepsBytes int64
	MaxInlineStepsCount int
}

// AttachmentProcessor uploads screenshots referenced by extracted tests
// to blob storage and rewrites the in-memory records with the resulting
// URLs. Oversized step trees are offloaded out-of-band.
type AttachmentProcessor struct {
	log      logrus.FieldLogger
	uploader storage.Uploader
	opts     ProcessorOptions
}

// NewAttachmentProcessor creates a processor bound to an uploader.
func NewAttachmentProcessor(
	log logrus.FieldLogger,
	uploader storage.Uploader,
	opts ProcessorOptions,
) *AttachmentProcessor {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}

	return &AttachmentProcessor{
		log:      log.WithField("component", "attachments"),
		uploader: uploader,
		opts:     opts,
	}
}

// ProcessScreenshots uploads every screenshot referenced by the tests
// and rewrites all references to storage URLs. References that resolve
// to no archive entry are dropped; losing all of a test's screenshots
// is logged as an error since that signals a path-mapping bug.
func (p *AttachmentProcessor) ProcessScreenshots(
	ctx context.Context,
	a *report.Archive,
	runKey string,
	tests []report.ExtractedTest,
) error {
	paths := collectScreenshotPaths(tests)
	if len(paths) == 0 {
		return nil
	}

	urls := make(map[string]string, len(paths))

	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)

	for _, sp := range paths {
		g.Go(func() error {
			resolved, data, err := resolveScreenshot(a, sp)
			if err != nil {
				p.log.WithField("path", sp).Debug("Screenshot not found in archive")

				return nil
			}

			url, err := p.uploader.Upload(
				gctx,
				runKey+"/"+resolved,
				data,
				storage.DetectContentType(resolved),
			)
			if err != nil {
				return fmt.Errorf("uploading screenshot %s: %w", resolved, err)
			}

			mu.Lock()
			urls[sp] = url
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	p.rewriteScreenshots(tests, urls)

	return nil
}

// collectScreenshotPaths gathers the unique screenshot references across
// tests and attempts.
func collectScreenshotPaths(tests []report.ExtractedTest) []string {
	seen := make(map[string]struct{})

	var out []string

	add := func(paths []string) {
		for _, sp := range paths {
			if _, ok := seen[sp]; ok {
				continue
			}

			seen[sp] = struct{}{}
			out = append(out, sp)
		}
	}

	for i := range tests {
		add(tests[i].Screenshots)

		for j := range tests[i].Attempts {
			add(tests[i].Attempts[j].Screenshots)
		}
	}

	return out
}

// resolveScreenshot locates a screenshot's bytes in the archive,
// tolerating a .png -> .jpg extension swap left behind by pre-upload
// image compression.
func resolveScreenshot(a *report.Archive, sp string) (string, []byte, error) {
	if a.HasFile(sp) {
		data, err := a.ReadFile(sp)

		return sp, data, err
	}

	if strings.HasSuffix(sp, ".png") {
		alt := strings.TrimSuffix(sp, ".png") + ".jpg"
		if a.HasFile(alt) {
			data, err := a.ReadFile(alt)

			return alt, data, err
		}
	}

	return "", nil, fmt.Errorf("screenshot %q not found", sp)
}

// rewriteScreenshots replaces archive-relative references with storage
// URLs, dropping unresolved ones.
func (p *AttachmentProcessor) rewriteScreenshots(
	tests []report.ExtractedTest, urls map[string]string,
) {
	rewrite := func(paths []string) []string {
		out := make([]string, 0, len(paths))

		for _, sp := range paths {
			if url, ok := urls[sp]; ok {
				out = append(out, url)
			}
		}

		return out
	}

	for i := range tests {
		t := &tests[i]

		had := len(t.Screenshots) > 0
		t.Screenshots = rewrite(t.Screenshots)

		if had && len(t.Screenshots) == 0 {
			p.log.WithFields(logrus.Fields{
				"test": t.Name,
				"file": t.File,
			}).Error("Test lost all screenshot references during upload")
		}

		for j := range t.Attempts {
			t.Attempts[j].Screenshots = rewrite(t.Attempts[j].Screenshots)
		}
	}
}

// OffloadSteps serializes an attempt's step tree and, when it exceeds
// the inline thresholds, uploads it out-of-band. The attempt keeps a
// StepsURL pointer plus a precomputed last-failed-step summary so
// failure context renders without fetching the full tree. Returns the
// inline JSON to persist, or "" when the tree was offloaded or empty.
func (p *AttachmentProcessor) OffloadSteps(
	ctx context.Context,
	attemptKey string,
	attempt *report.ExtractedTestAttempt,
) (string, error) {
	if len(attempt.Steps) == 0 {
		return "", nil
	}

	data, err := json.Marshal(attempt.Steps)
	if err != nil {
		return "", fmt.Errorf("serializing steps: %w", err)
	}

	count := report.CountSteps(attempt.Steps)

	if int64(len(data)) <= p.opts.MaxInlineStepsBytes &&
		count <= p.opts.MaxInlineStepsCount {
		return string(data), nil
	}

	url, err := p.uploader.Upload(
		ctx, attemptKey+"/steps.json", data, "application/json",
	)
	if err != nil {
		return "", fmt.Errorf("uploading step tree: %w", err)
	}

	attempt.StepsURL = url
	attempt.LastFailedStep = report.LastFailedStep(attempt.Steps)
	attempt.Steps = nil

	p.log.WithFields(logrus.Fields{
		"key":   attemptKey,
		"steps": count,
		"bytes": len(data),
	}).Debug("Offloaded step tree to blob storage")

	return "", nil
}
