package clientcache

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/spyglass/internal/events"
)

// Resetter empties the response cache on demand. The operation supervisor
// invokes it between retry attempts so a retried operation never reads the
// response that just failed validation.
type Resetter struct {
	repo   *Repository
	events *events.Manager
	log    zerolog.Logger
}

func NewResetter(repo *Repository, eventManager *events.Manager, log zerolog.Logger) *Resetter {
	return &Resetter{
		repo:   repo,
		events: eventManager,
		log:    log.With().Str("component", "cache_resetter").Logger(),
	}
}

// Reset clears every cache table and announces the wipe on the event bus.
func (r *Resetter) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	results, err := r.repo.ClearAll()
	if err != nil {
		return fmt.Errorf("failed to reset cache: %w", err)
	}

	var total int64
	for _, count := range results {
		total += count
	}

	r.log.Info().Int64("entries", total).Msg("Response cache cleared")
	r.events.EmitTyped("clientcache", &events.CacheClearedData{
		Scope:   "all",
		Entries: int(total),
	})
	return nil
}
