package server

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/spyglass/internal/quotes"
	"github.com/aristath/spyglass/internal/stream"
	"github.com/aristath/spyglass/pkg/logger"
)

// QuoteHandlers serves the live quote watchlist and analytics API.
type QuoteHandlers struct {
	log    zerolog.Logger
	engine *quotes.Engine
	stream *stream.Manager
}

// NewQuoteHandlers creates quote API handlers.
func NewQuoteHandlers(log zerolog.Logger, engine *quotes.Engine, streamManager *stream.Manager) *QuoteHandlers {
	return &QuoteHandlers{
		log:    logger.Component(log, "quote_handlers"),
		engine: engine,
		stream: streamManager,
	}
}

// HandleWatchlist handles GET /api/quotes/watchlist
func (h *QuoteHandlers) HandleWatchlist(w http.ResponseWriter, r *http.Request) {
	symbols := h.engine.Watched()
	sort.Strings(symbols)

	writeData(h.log, w, http.StatusOK, map[string]interface{}{
		"symbols":      symbols,
		"stream_state": string(h.stream.State()),
	})
}

// HandleWatch handles POST /api/quotes/watchlist
func (h *QuoteHandlers) HandleWatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbols []string `json:"symbols"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(h.log, w, http.StatusBadRequest, "Invalid request body")
		return
	}

	added := 0
	for _, symbol := range req.Symbols {
		if strings.TrimSpace(symbol) == "" {
			continue
		}
		h.engine.Watch(symbol)
		added++
	}
	if added == 0 {
		writeError(h.log, w, http.StatusBadRequest, "symbols are required")
		return
	}

	symbols := h.engine.Watched()
	sort.Strings(symbols)
	writeData(h.log, w, http.StatusOK, map[string]interface{}{"symbols": symbols})
}

// HandleUnwatch handles DELETE /api/quotes/watchlist/{symbol}
func (h *QuoteHandlers) HandleUnwatch(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	h.engine.Unwatch(symbol)
	writeMessage(h.log, w, http.StatusOK, "Stopped watching "+strings.ToUpper(strings.TrimSpace(symbol)))
}

// HandleAnalytics handles GET /api/quotes/{symbol}/analytics
func (h *QuoteHandlers) HandleAnalytics(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	analytics, ok := h.engine.Analytics(symbol)
	if !ok {
		writeError(h.log, w, http.StatusNotFound, "No data for symbol")
		return
	}

	writeData(h.log, w, http.StatusOK, analytics)
}

// HandleStreamStatus handles GET /api/stream/status
func (h *QuoteHandlers) HandleStreamStatus(w http.ResponseWriter, r *http.Request) {
	writeData(h.log, w, http.StatusOK, map[string]interface{}{
		"state":         string(h.stream.State()),
		"connected":     h.stream.IsConnected(),
		"subscriptions": h.stream.SubscriptionCount(),
		"symbols":       h.stream.Subscriptions(),
	})
}

// HandleStreamReconnect handles POST /api/stream/reconnect. This is the
// manual escape hatch once automatic reconnection has given up.
func (h *QuoteHandlers) HandleStreamReconnect(w http.ResponseWriter, r *http.Request) {
	if h.stream.IsConnected() {
		writeMessage(h.log, w, http.StatusOK, "Stream already connected")
		return
	}

	if err := h.stream.Connect(); err != nil {
		writeError(h.log, w, errorStatus(err), "Reconnect failed: "+err.Error())
		return
	}

	writeMessage(h.log, w, http.StatusOK, "Stream reconnected")
}
