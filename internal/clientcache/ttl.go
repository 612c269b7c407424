package clientcache

import "time"

// TTL constants for the cached response types.
// These are added to time.Now() when storing to calculate expires_at.
const (
	// TTLJobList - job listings change while jobs run, keep them short
	TTLJobList = time.Minute

	// TTLJobResult - completed results are immutable upstream
	TTLJobResult = 24 * time.Hour

	// TTLSymbolSearch - instrument search results change rarely
	TTLSymbolSearch = 24 * time.Hour

	// TTLQuoteSnapshot - last-seen quote per symbol, served when the feed is down
	TTLQuoteSnapshot = 30 * time.Second
)
