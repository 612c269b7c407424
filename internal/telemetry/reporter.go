package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/aristath/spyglass/internal/reliability"
)

// Uploader is the slice of the R2 client the reporter needs.
type Uploader interface {
	Upload(ctx context.Context, key string, body io.Reader, contentType string) error
}

// Reporter ships trip records to object storage so failures seen in the
// field can be inspected after the fact. Callers treat uploads as
// best-effort; a failed report never blocks the boundary that produced it.
type Reporter struct {
	uploader Uploader
	log      zerolog.Logger
}

func NewReporter(uploader Uploader, log zerolog.Logger) *Reporter {
	return &Reporter{
		uploader: uploader,
		log:      log.With().Str("component", "trip_reporter").Logger(),
	}
}

// Report uploads one trip record as JSON, keyed by day and error id.
func (r *Reporter) Report(ctx context.Context, rec reliability.TripRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal trip record: %w", err)
	}

	key := fmt.Sprintf("errors/%s/%s.json", rec.Timestamp.UTC().Format("2006-01-02"), rec.ErrorID)
	if err := r.uploader.Upload(ctx, key, bytes.NewReader(payload), "application/json"); err != nil {
		return fmt.Errorf("failed to report trip %s: %w", rec.ErrorID, err)
	}

	r.log.Debug().Str("error_id", rec.ErrorID).Str("key", key).Msg("Trip record reported")
	return nil
}
