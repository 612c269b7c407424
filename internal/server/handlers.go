package server

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/aristath/spyglass/internal/reliability"
)

// handleHealth handles liveness checks
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(s.log, w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"version": "1.0.0",
		"service": "spyglass",
	})
}

// writeJSON writes a JSON response
func writeJSON(log zerolog.Logger, w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeData wraps a payload in the success envelope.
func writeData(log zerolog.Logger, w http.ResponseWriter, status int, data interface{}) {
	writeJSON(log, w, status, map[string]interface{}{
		"status": "success",
		"data":   data,
	})
}

// writeMessage writes a success envelope with a human message.
func writeMessage(log zerolog.Logger, w http.ResponseWriter, status int, message string) {
	writeJSON(log, w, status, map[string]string{
		"status":  "success",
		"message": message,
	})
}

// writeError writes an error envelope.
func writeError(log zerolog.Logger, w http.ResponseWriter, status int, message string) {
	writeJSON(log, w, status, map[string]string{
		"status":  "error",
		"message": message,
	})
}

// errorStatus maps a classified upstream failure to the HTTP status this
// gateway should answer with.
func errorStatus(err error) int {
	classified := reliability.Classify(err)
	switch classified.Kind {
	case reliability.KindValidation:
		return http.StatusBadRequest
	case reliability.KindTimeout:
		return http.StatusGatewayTimeout
	case reliability.KindNetwork:
		return http.StatusBadGateway
	case reliability.KindAPI:
		// 4xx from the service is the caller's problem; 5xx is the
		// service's and reads as a bad gateway from here.
		if classified.Status >= 400 && classified.Status < 500 {
			return classified.Status
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
