package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/spyglass/internal/backtest"
	"github.com/aristath/spyglass/internal/reliability"
	"github.com/aristath/spyglass/pkg/logger"
)

const defaultRecentLimit = 20

// JobHandlers serves the backtest job API.
type JobHandlers struct {
	log     zerolog.Logger
	tracker *backtest.Tracker
	client  *backtest.Client
	archive *backtest.Archive
	guard   *reliability.Boundary
}

// NewJobHandlers creates job API handlers. The guard is optional; when set,
// every call that reaches the upstream service runs under it.
func NewJobHandlers(log zerolog.Logger, tracker *backtest.Tracker, client *backtest.Client, archive *backtest.Archive, guard *reliability.Boundary) *JobHandlers {
	return &JobHandlers{
		log:     logger.Component(log, "job_handlers"),
		tracker: tracker,
		client:  client,
		archive: archive,
		guard:   guard,
	}
}

// guarded runs fn under the upstream boundary. While the boundary is
// tripped, calls short-circuit with the stored error instead of hammering a
// service that is already down.
func (h *JobHandlers) guarded(ctx context.Context, fn func(ctx context.Context) error) error {
	if h.guard == nil {
		return fn(ctx)
	}
	return h.guard.Run(ctx, fn)
}

// HandleSubmit handles POST /api/jobs
func (h *JobHandlers) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req backtest.JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(h.log, w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Strategy == "" {
		writeError(h.log, w, http.StatusBadRequest, "strategy is required")
		return
	}
	if len(req.Symbols) == 0 {
		writeError(h.log, w, http.StatusBadRequest, "symbols are required")
		return
	}
	if req.From == "" || req.To == "" {
		writeError(h.log, w, http.StatusBadRequest, "from and to dates are required")
		return
	}

	var job *backtest.Job
	err := h.guarded(r.Context(), func(ctx context.Context) error {
		var submitErr error
		job, submitErr = h.tracker.Submit(ctx, req)
		return submitErr
	})
	if err != nil {
		h.log.Error().Err(err).Str("strategy", req.Strategy).Msg("Job submission failed")
		writeError(h.log, w, errorStatus(err), "Failed to submit job: "+err.Error())
		return
	}

	writeData(h.log, w, http.StatusAccepted, job)
}

// HandleList handles GET /api/jobs?scope=active|archived
func (h *JobHandlers) HandleList(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")

	var jobs []backtest.Job
	err := h.guarded(r.Context(), func(ctx context.Context) error {
		var listErr error
		jobs, listErr = h.client.ListJobs(ctx, scope)
		return listErr
	})
	if err != nil {
		writeError(h.log, w, errorStatus(err), "Failed to list jobs: "+err.Error())
		return
	}

	if jobs == nil {
		jobs = []backtest.Job{}
	}
	writeData(h.log, w, http.StatusOK, jobs)
}

// HandleGet handles GET /api/jobs/{jobID}
func (h *JobHandlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	var job *backtest.Job
	err := h.guarded(r.Context(), func(ctx context.Context) error {
		var getErr error
		job, getErr = h.client.GetJob(ctx, jobID)
		return getErr
	})
	if err != nil {
		writeError(h.log, w, errorStatus(err), "Failed to fetch job: "+err.Error())
		return
	}

	writeData(h.log, w, http.StatusOK, job)
}

// HandleResult handles GET /api/jobs/{jobID}/result
func (h *JobHandlers) HandleResult(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	// Archived results are served locally; the service may have already
	// forgotten the job.
	if h.archive != nil {
		if entry, err := h.archive.Get(jobID); err == nil && entry != nil && entry.Result != nil {
			writeData(h.log, w, http.StatusOK, entry.Result)
			return
		}
	}

	var result *backtest.JobResult
	err := h.guarded(r.Context(), func(ctx context.Context) error {
		var resultErr error
		result, resultErr = h.client.GetResult(ctx, jobID)
		return resultErr
	})
	if err != nil {
		writeError(h.log, w, errorStatus(err), "Failed to fetch result: "+err.Error())
		return
	}

	writeData(h.log, w, http.StatusOK, result)
}

// HandleCancel handles DELETE /api/jobs/{jobID}
func (h *JobHandlers) HandleCancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	err := h.guarded(r.Context(), func(ctx context.Context) error {
		return h.tracker.Cancel(ctx, jobID)
	})
	if err != nil {
		writeError(h.log, w, errorStatus(err), "Failed to cancel job: "+err.Error())
		return
	}

	writeMessage(h.log, w, http.StatusOK, "Cancellation requested")
}

// HandleRecent handles GET /api/jobs/recent?limit=N
func (h *JobHandlers) HandleRecent(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(h.log, w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	entries, err := h.archive.Recent(limit)
	if err != nil {
		writeError(h.log, w, http.StatusInternalServerError, "Failed to read job archive: "+err.Error())
		return
	}

	if entries == nil {
		entries = []backtest.ArchiveEntry{}
	}
	writeData(h.log, w, http.StatusOK, entries)
}

// HandleSymbolSearch handles GET /api/symbols/search?q=
func (h *JobHandlers) HandleSymbolSearch(w http.ResponseWriter, r *http.Request) {
	// Bad input is rejected here so it never counts against the boundary.
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(h.log, w, http.StatusBadRequest, "q is required")
		return
	}

	var matches []backtest.SymbolMatch
	err := h.guarded(r.Context(), func(ctx context.Context) error {
		var searchErr error
		matches, searchErr = h.client.SearchSymbols(ctx, query)
		return searchErr
	})
	if err != nil {
		writeError(h.log, w, errorStatus(err), "Symbol search failed: "+err.Error())
		return
	}

	if matches == nil {
		matches = []backtest.SymbolMatch{}
	}
	writeData(h.log, w, http.StatusOK, matches)
}
