package server

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/spyglass/internal/database"
	"github.com/aristath/spyglass/internal/notify"
	"github.com/aristath/spyglass/internal/reliability"
	"github.com/aristath/spyglass/internal/status"
	"github.com/aristath/spyglass/internal/telemetry"
	"github.com/aristath/spyglass/pkg/logger"
)

const defaultTripsLimit = 50

// SystemHandlers serves process-level introspection: host health, the
// derived system status, local database health, and the recent boundary
// trip log.
type SystemHandlers struct {
	log       zerolog.Logger
	status    *status.Manager
	telemetry *telemetry.Store
	notifier  notify.Sink
	databases map[string]*database.DB
	guards    []*reliability.Boundary
	startedAt time.Time
}

// NewSystemHandlers creates system API handlers. The guards are the
// boundaries the recover endpoint can heal; nil boundaries are skipped.
func NewSystemHandlers(log zerolog.Logger, statusManager *status.Manager, store *telemetry.Store, notifier notify.Sink, databases map[string]*database.DB, guards ...*reliability.Boundary) *SystemHandlers {
	return &SystemHandlers{
		log:       logger.Component(log, "system_handlers"),
		status:    statusManager,
		telemetry: store,
		notifier:  notifier,
		databases: databases,
		guards:    guards,
		startedAt: time.Now(),
	}
}

// HealthResponse is the /api/system/health payload.
type HealthResponse struct {
	Status        string  `json:"status"`
	CPUPercent    float64 `json:"cpu_percent"`
	RAMPercent    float64 `json:"ram_percent"`
	Goroutines    int     `json:"goroutines"`
	UptimeSeconds int64   `json:"uptime_seconds"`
}

// HandleHealth handles GET /api/system/health
func (h *SystemHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	cpuPercent, ramPercent := h.getSystemStats()

	writeData(h.log, w, http.StatusOK, HealthResponse{
		Status:        "healthy",
		CPUPercent:    cpuPercent,
		RAMPercent:    ramPercent,
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandleStatus handles GET /api/system/status
func (h *SystemHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeData(h.log, w, http.StatusOK, h.status.Snapshot())
}

// DatabaseInfo describes one local database in the databases payload.
type DatabaseInfo struct {
	Name    string  `json:"name"`
	Healthy bool    `json:"healthy"`
	Error   string  `json:"error,omitempty"`
	SizeMB  float64 `json:"size_mb"`
	WALMB   float64 `json:"wal_mb"`
	Pages   int64   `json:"pages"`
}

// DatabasesResponse is the /api/system/databases payload.
type DatabasesResponse struct {
	Databases   []DatabaseInfo `json:"databases"`
	TotalSizeMB float64        `json:"total_size_mb"`
	CheckedAt   string         `json:"checked_at"`
}

// HandleDatabases handles GET /api/system/databases. With ?deep=true each
// database gets a full integrity check instead of a ping; that is expensive
// and meant for manual diagnosis, not routine dashboard polling.
func (h *SystemHandlers) HandleDatabases(w http.ResponseWriter, r *http.Request) {
	deep := r.URL.Query().Get("deep") == "true"

	names := make([]string, 0, len(h.databases))
	for name := range h.databases {
		names = append(names, name)
	}
	sort.Strings(names)

	response := DatabasesResponse{CheckedAt: time.Now().Format(time.RFC3339)}
	for _, name := range names {
		db := h.databases[name]
		info := DatabaseInfo{Name: name, Healthy: true}

		check := db.QuickCheck
		if deep {
			check = db.HealthCheck
		}
		if err := check(r.Context()); err != nil {
			info.Healthy = false
			info.Error = err.Error()
		}

		if stats, err := db.GetStats(); err == nil {
			info.SizeMB = float64(stats.SizeBytes) / 1024 / 1024
			info.WALMB = float64(stats.WALSizeBytes) / 1024 / 1024
			info.Pages = stats.PageCount
			response.TotalSizeMB += info.SizeMB
		} else {
			h.log.Warn().Err(err).Str("database", name).Msg("Failed to read database stats")
		}

		response.Databases = append(response.Databases, info)
	}

	writeData(h.log, w, http.StatusOK, response)
}

// HandleTrips handles GET /api/system/trips?limit=N
func (h *SystemHandlers) HandleTrips(w http.ResponseWriter, r *http.Request) {
	limit := defaultTripsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(h.log, w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	trips, err := h.telemetry.Recent(r.Context(), limit)
	if err != nil {
		writeError(h.log, w, http.StatusInternalServerError, "Failed to read trip log: "+err.Error())
		return
	}

	writeData(h.log, w, http.StatusOK, trips)
}

// HandleRecover handles POST /api/system/recover. It heals every tripped
// boundary so the next call reaches the upstream again, mirroring the
// dashboard's "try again" action.
func (h *SystemHandlers) HandleRecover(w http.ResponseWriter, r *http.Request) {
	healed := 0
	for _, guard := range h.guards {
		if guard == nil || guard.Healthy() {
			continue
		}
		guard.Retry()
		healed++
	}

	h.log.Info().Int("healed", healed).Msg("Manual recovery requested")
	writeData(h.log, w, http.StatusOK, map[string]int{"healed": healed})
}

// HandleNotificationTest handles POST /api/notifications/test. It pushes a
// notification through the configured sinks so delivery can be verified
// end to end.
func (h *SystemHandlers) HandleNotificationTest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind    string `json:"kind"`
		Title   string `json:"title"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(h.log, w, http.StatusBadRequest, "Invalid request body")
		return
	}

	kind := notify.Kind(req.Kind)
	switch kind {
	case notify.KindInfo, notify.KindWarning, notify.KindError:
	case "":
		kind = notify.KindInfo
	default:
		writeError(h.log, w, http.StatusBadRequest, "kind must be info, warning or error")
		return
	}

	title := req.Title
	if title == "" {
		title = "Test notification"
	}
	message := req.Message
	if message == "" {
		message = "Delivery check from the spyglass API"
	}

	n := notify.New(kind, title, message)
	if err := h.notifier.Notify(r.Context(), n); err != nil {
		writeError(h.log, w, http.StatusBadGateway, "Delivery failed: "+err.Error())
		return
	}

	writeData(h.log, w, http.StatusOK, n)
}

// getSystemStats calculates CPU and RAM usage percentages.
// Uses a 100ms CPU sampling interval so the handler answers quickly; the
// dashboard polls this endpoint on a short timeout.
func (h *SystemHandlers) getSystemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	return cpuAvg, memStat.UsedPercent
}
