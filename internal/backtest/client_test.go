package backtest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/spyglass/internal/clientcache"
	"github.com/aristath/spyglass/internal/database"
	"github.com/aristath/spyglass/internal/reliability"
)

func newTestCache(t *testing.T) *clientcache.Repository {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "cache.db"),
		Profile: database.ProfileCache,
		Name:    "cache",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo, err := clientcache.NewRepository(db)
	require.NoError(t, err)
	return repo
}

func TestSubmitJob(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/backtests", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))

		var req JobRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "mean_reversion", req.Strategy)
		assert.Equal(t, []string{"AAPL", "MSFT"}, req.Symbols)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Job{ID: "j-100", Strategy: req.Strategy, Status: StatusPending})
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret", nil, zerolog.Nop())

	job, err := client.SubmitJob(context.Background(), JobRequest{
		Strategy: "mean_reversion",
		Symbols:  []string{"AAPL", "MSFT"},
		From:     "2024-01-01",
		To:       "2024-12-31",
	})
	require.NoError(t, err)
	assert.Equal(t, "j-100", job.ID)
	assert.Equal(t, StatusPending, job.Status)
}

func TestSubmitJobValidatesBeforeCalling(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	client := NewClient(server.URL, "", nil, zerolog.Nop())

	_, err := client.SubmitJob(context.Background(), JobRequest{Symbols: []string{"AAPL"}})
	var verr reliability.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "strategy", verr.Field)

	_, err = client.SubmitJob(context.Background(), JobRequest{Strategy: "momentum"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "symbols", verr.Field)

	assert.Equal(t, int32(0), hits.Load())
}

func TestGetJob(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/backtests/j-7", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Job{ID: "j-7", Status: StatusRunning, Progress: 42.5})
	}))
	defer server.Close()

	client := NewClient(server.URL, "", nil, zerolog.Nop())

	job, err := client.GetJob(context.Background(), "j-7")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, job.Status)
	assert.Equal(t, 42.5, job.Progress)
}

func TestNon2xxBecomesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("maintenance window"))
	}))
	defer server.Close()

	client := NewClient(server.URL, "", nil, zerolog.Nop())

	_, err := client.GetJob(context.Background(), "j-1")
	require.Error(t, err)

	var apiErr *reliability.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
	assert.Equal(t, "Service Unavailable", apiErr.StatusText)
	assert.Equal(t, http.MethodGet, apiErr.Method)
	assert.Contains(t, apiErr.URL, "/api/v1/backtests/j-1")
	assert.Equal(t, "maintenance window", apiErr.Body)

	// And it classifies as a retryable api failure
	classified := reliability.Classify(err)
	assert.Equal(t, reliability.KindAPI, classified.Kind)
	assert.True(t, classified.Retryable)
}

func TestCancelJob(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/backtests/j-3/cancel", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewClient(server.URL, "", nil, zerolog.Nop())
	assert.NoError(t, client.CancelJob(context.Background(), "j-3"))
}

func TestListJobsUsesStaleCacheWhenServiceFails(t *testing.T) {
	cache := newTestCache(t)

	// Seed an already-expired listing
	stale := []Job{{ID: "j-old", Status: StatusCompleted}}
	require.NoError(t, cache.Store("job_lists", "active", stale, -time.Minute))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL, "", cache, zerolog.Nop())

	jobs, err := client.ListJobs(context.Background(), "active")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "j-old", jobs[0].ID)
}

func TestListJobsErrorWithoutCache(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL, "", nil, zerolog.Nop())

	_, err := client.ListJobs(context.Background(), "active")
	var apiErr *reliability.APIError
	assert.ErrorAs(t, err, &apiErr)
}

func TestSearchSymbolsCachesResults(t *testing.T) {
	cache := newTestCache(t)

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "apple", r.URL.Query().Get("q"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]SymbolMatch{{Symbol: "AAPL", Name: "Apple Inc"}})
	}))
	defer server.Close()

	client := NewClient(server.URL, "", cache, zerolog.Nop())

	first, err := client.SearchSymbols(context.Background(), "apple")
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := client.SearchSymbols(context.Background(), "apple")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), hits.Load())
}

func TestRequestsAreSpacedApart(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Job{ID: "j-1", Status: StatusRunning})
	}))
	defer server.Close()

	client := NewClient(server.URL, "", nil, zerolog.Nop())
	defer client.Close()

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := client.GetJob(context.Background(), "j-1")
		require.NoError(t, err)
	}

	// Three requests mean two enforced gaps.
	assert.GreaterOrEqual(t, time.Since(start), 2*minRequestGap)
}

func TestConcurrentRequestsNeverOverlap(t *testing.T) {
	var inFlight atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, int32(1), inFlight.Add(1), "requests must not overlap")
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Job{ID: "j-1", Status: StatusRunning})
	}))
	defer server.Close()

	client := NewClient(server.URL, "", nil, zerolog.Nop())
	defer client.Close()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.GetJob(context.Background(), "j-1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestClosedClientRejectsRequests(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	client := NewClient(server.URL, "", nil, zerolog.Nop())
	client.Close()

	_, err := client.GetJob(context.Background(), "j-1")
	assert.ErrorIs(t, err, errClientClosed)
}

func TestGetResultCachedCopyServed(t *testing.T) {
	cache := newTestCache(t)

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(JobResult{JobID: "j-9", SharpeRatio: 1.8, Trades: 240})
	}))
	defer server.Close()

	client := NewClient(server.URL, "", cache, zerolog.Nop())

	first, err := client.GetResult(context.Background(), "j-9")
	require.NoError(t, err)
	assert.Equal(t, 1.8, first.SharpeRatio)

	second, err := client.GetResult(context.Background(), "j-9")
	require.NoError(t, err)
	assert.Equal(t, first.Trades, second.Trades)
	assert.Equal(t, int32(1), hits.Load())
}
