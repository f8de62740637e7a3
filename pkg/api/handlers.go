package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/flakewatch/flakewatch/pkg/ingest"
	"github.com/flakewatch/flakewatch/pkg/ingest/store"
	"github.com/flakewatch/flakewatch/pkg/report"
	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

const (
	defaultRunsLimit = 50
	maxRunsLimit     = 200
)

type errorResponse struct {
	Error string `json:"error"`
}

// uploadResponse is the upload outcome envelope. Exactly one of the
// success, duplicate, or failure field sets is populated.
type uploadResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Details string `json:"details,omitempty"`
	Message string `json:"message,omitempty"`

	TestRunID uint     `json:"testRunId,omitempty"`
	TestRun   *runBody `json:"testRun,omitempty"`

	IsDuplicate   bool `json:"isDuplicate,omitempty"`
	ExistingRunID uint `json:"existingRunId,omitempty"`
}

// runBody is the run representation returned by upload and read
// endpoints.
type runBody struct {
	ID          uint      `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Environment string    `json:"environment"`
	Trigger     string    `json:"trigger"`
	Suite       string    `json:"suite"`
	Branch      string    `json:"branch"`
	Commit      string    `json:"commit"`
	Total       int       `json:"total"`
	Passed      int       `json:"passed"`
	Failed      int       `json:"failed"`
	Flaky       int       `json:"flaky"`
	Skipped     int       `json:"skipped"`
	Duration    int64     `json:"duration"`
	ContentHash string    `json:"contentHash"`

	Tests []store.TestRunTest `json:"tests,omitempty"`
}

func newRunBody(run *store.TestRun, tests []store.TestRunTest) *runBody {
	return &runBody{
		ID:          run.ID,
		Timestamp:   run.Timestamp,
		Environment: run.Environment,
		Trigger:     run.Trigger,
		Suite:       run.Suite,
		Branch:      run.Branch,
		Commit:      run.Commit,
		Total:       run.Total,
		Passed:      run.Passed,
		Failed:      run.Failed,
		Flaky:       run.Flaky,
		Skipped:     run.Skipped,
		Duration:    run.Duration,
		ContentHash: run.ContentHash,
		Tests:       tests,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	//nolint:errcheck // response is already committed
	json.NewEncoder(w).Encode(v)
}

// handleHealth returns a liveness probe response.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus returns process and host information.
func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":     "ok",
		"uptime":     time.Since(s.startedAt).Round(time.Second).String(),
		"goroutines": runtime.NumGoroutine(),
	}

	if info, err := host.InfoWithContext(r.Context()); err == nil {
		status["host"] = map[string]any{
			"hostname":        info.Hostname,
			"os":              info.OS,
			"platform":        info.Platform,
			"platformVersion": info.PlatformVersion,
			"kernelArch":      info.KernelArch,
		}
	}

	if vm, err := mem.VirtualMemoryWithContext(r.Context()); err == nil {
		status["memory"] = map[string]any{
			"total":       vm.Total,
			"available":   vm.Available,
			"usedPercent": vm.UsedPercent,
		}
	}

	writeJSON(w, http.StatusOK, status)
}

// handleUploadRun accepts a multipart report archive upload and runs it
// through the ingestion pipeline.
func (s *server) handleUploadRun(w http.ResponseWriter, r *http.Request) {
	projectID, err := parseUintParam(r, "projectID")
	if err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{Error: "invalid project id"})

		return
	}

	maxBytes, err := s.cfg.Ingest.MaxArchiveBytes()
	if err != nil {
		s.log.WithError(err).Error("Invalid archive size limit")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{Error: "server misconfiguration"})

		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	if err := r.ParseMultipartForm(maxBytes); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge,
				errorResponse{Error: "archive exceeds size limit"})

			return
		}

		writeJSON(w, http.StatusBadRequest,
			errorResponse{Error: "invalid multipart form"})

		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{Error: "missing file field"})

		return
	}
	defer file.Close()

	archive, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{Error: "reading uploaded file failed"})

		return
	}

	opts := ingest.UploadOptions{
		ProjectID:   uint(projectID),
		Environment: r.FormValue("environment"),
		Trigger:     r.FormValue("trigger"),
		Suite:       r.FormValue("suite"),
		Branch:      r.FormValue("branch"),
		Commit:      r.FormValue("commit"),
		Filename:    header.Filename,
	}

	result, err := s.ingester.Ingest(r.Context(), archive, opts)
	if err != nil {
		s.writeIngestError(w, err)

		return
	}

	if result.Duplicate {
		writeJSON(w, http.StatusConflict, uploadResponse{
			Success: false,
			Error:   "Duplicate upload detected",
			Message: fmt.Sprintf(
				"This test report was already uploaded at %s",
				result.ExistingTimestamp.UTC().Format(time.RFC3339),
			),
			IsDuplicate:   true,
			ExistingRunID: result.ExistingRunID,
		})

		return
	}

	writeJSON(w, http.StatusCreated, uploadResponse{
		Success:   true,
		TestRunID: result.Run.ID,
		TestRun:   newRunBody(result.Run, result.Tests),
		Message:   "Test results uploaded successfully",
	})
}

// writeIngestError maps the ingest error taxonomy to HTTP responses.
func (s *server) writeIngestError(w http.ResponseWriter, err error) {
	var (
		unsupportedErr *report.UnsupportedFormatError
		invalidErr     *report.InvalidReportFormatError
		lookupErr      *store.LookupNotFoundError
		storageErr     *ingest.StorageError
	)

	switch {
	case errors.As(err, &unsupportedErr), errors.As(err, &invalidErr):
		writeJSON(w, http.StatusBadRequest, uploadResponse{
			Success: false,
			Error:   "Invalid report format",
			Details: err.Error(),
		})
	case errors.As(err, &lookupErr):
		writeJSON(w, http.StatusNotFound, uploadResponse{
			Success: false,
			Error:   lookupErr.Error(),
		})
	case errors.As(err, &storageErr):
		s.log.WithError(err).Error("Ingest storage failure")
		writeJSON(w, http.StatusInternalServerError, uploadResponse{
			Success: false,
			Error:   "Failed to store test results",
			Details: storageErr.Unwrap().Error(),
		})
	default:
		s.log.WithError(err).Error("Ingest failed")
		writeJSON(w, http.StatusInternalServerError, uploadResponse{
			Success: false,
			Error:   "Unknown error",
			Details: err.Error(),
		})
	}
}

// handleListRuns returns the most recent runs for a project.
func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	projectID, err := parseUintParam(r, "projectID")
	if err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{Error: "invalid project id"})

		return
	}

	limit := defaultRunsLimit

	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{Error: "invalid limit"})

			return
		}

		limit = min(parsed, maxRunsLimit)
	}

	runs, err := s.store.ListRuns(r.Context(), uint(projectID), limit)
	if err != nil {
		s.log.WithError(err).Error("Listing runs failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{Error: "failed to list runs"})

		return
	}

	bodies := make([]*runBody, 0, len(runs))
	for i := range runs {
		bodies = append(bodies, newRunBody(&runs[i], nil))
	}

	writeJSON(w, http.StatusOK, map[string]any{"runs": bodies})
}

// handleGetRun returns one run with its tests.
func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	projectID, err := parseUintParam(r, "projectID")
	if err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{Error: "invalid project id"})

		return
	}

	runID, err := parseUintParam(r, "runID")
	if err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{Error: "invalid run id"})

		return
	}

	run, err := s.store.GetRun(r.Context(), uint(projectID), uint(runID))
	if err != nil {
		s.log.WithError(err).Error("Fetching run failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{Error: "failed to fetch run"})

		return
	}

	if run == nil {
		writeJSON(w, http.StatusNotFound,
			errorResponse{Error: "run not found"})

		return
	}

	tests, err := s.store.ListRunTests(r.Context(), run.ID)
	if err != nil {
		s.log.WithError(err).Error("Fetching run tests failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{Error: "failed to fetch run tests"})

		return
	}

	writeJSON(w, http.StatusOK, newRunBody(run, tests))
}

func parseUintParam(r *http.Request, name string) (uint64, error) {
	return strconv.ParseUint(chi.URLParam(r, name), 10, 32)
}
