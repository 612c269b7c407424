package backtest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/spyglass/internal/clientcache"
	"github.com/aristath/spyglass/internal/reliability"
)

const (
	// maxErrorBodyBytes caps how much of an error response body is kept on
	// the APIError.
	maxErrorBodyBytes = 2048

	minRequestGap    = 100 * time.Millisecond // spacing between requests to the service
	requestQueueSize = 64
)

// errClientClosed is returned for requests made after Close.
var errClientClosed = errors.New("backtest client is closed")

// requestJob is one queued HTTP exchange waiting for the worker.
type requestJob struct {
	ctx     context.Context
	method  string
	path    string
	payload interface{}
	out     interface{}
	result  chan error
}

// Client is the HTTP client for the backtest execution service.
// Responses with a non-success status become *reliability.APIError so the
// classifier can tell service rejections apart from transport failures.
//
// All requests flow through a single worker goroutine that spaces them out,
// so a burst of dashboard traffic cannot flood the service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        zerolog.Logger
	cacheRepo  *clientcache.Repository

	queue      chan requestJob
	stop       chan struct{}
	workerDone chan struct{}
	closeOnce  sync.Once
}

// NewClient creates a backtest service client and starts its request worker.
// cacheRepo is optional - if nil, caching is disabled.
func NewClient(baseURL, apiKey string, cacheRepo *clientcache.Repository, log zerolog.Logger) *Client {
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log:        log.With().Str("component", "backtest_client").Logger(),
		cacheRepo:  cacheRepo,
		queue:      make(chan requestJob, requestQueueSize),
		stop:       make(chan struct{}),
		workerDone: make(chan struct{}),
	}

	go c.worker()

	return c
}

// Close stops the request worker. Requests still queued fail with an error
// rather than holding up shutdown.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
		<-c.workerDone
	})
}

// SubmitJob submits a backtest for execution and returns the accepted job.
func (c *Client) SubmitJob(ctx context.Context, req JobRequest) (*Job, error) {
	if req.Strategy == "" {
		return nil, reliability.ValidationError{Field: "strategy", Message: "must not be empty"}
	}
	if len(req.Symbols) == 0 {
		return nil, reliability.ValidationError{Field: "symbols", Message: "must name at least one symbol"}
	}

	var job Job
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/backtests", req, &job); err != nil {
		return nil, err
	}

	c.log.Info().Str("job_id", job.ID).Str("strategy", job.Strategy).Msg("Backtest job submitted")
	return &job, nil
}

// GetJob fetches the current state of a job.
func (c *Client) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	path := "/api/v1/backtests/" + url.PathEscape(jobID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// GetResult fetches the performance summary of a completed job.
// Results are immutable, so cached copies are served without revalidation.
func (c *Client) GetResult(ctx context.Context, jobID string) (*JobResult, error) {
	if c.cacheRepo != nil {
		if data, err := c.cacheRepo.GetIfFresh("job_results", jobID); err == nil && data != nil {
			var result JobResult
			if err := json.Unmarshal(data, &result); err == nil {
				c.log.Debug().Str("job_id", jobID).Msg("Job result cache hit")
				return &result, nil
			}
		}
	}

	var result JobResult
	path := "/api/v1/backtests/" + url.PathEscape(jobID) + "/result"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}

	if c.cacheRepo != nil {
		if err := c.cacheRepo.Store("job_results", jobID, result, clientcache.TTLJobResult); err != nil {
			c.log.Warn().Err(err).Str("job_id", jobID).Msg("Failed to cache job result")
		}
	}
	return &result, nil
}

// CancelJob asks the service to cancel a running job.
func (c *Client) CancelJob(ctx context.Context, jobID string) error {
	path := "/api/v1/backtests/" + url.PathEscape(jobID) + "/cancel"
	return c.doJSON(ctx, http.MethodPost, path, nil, nil)
}

// ListJobs returns the jobs known to the service for a scope ("active" or
// "archived"). If the service is unreachable, a stale cached listing is
// returned instead.
func (c *Client) ListJobs(ctx context.Context, scope string) ([]Job, error) {
	if scope == "" {
		scope = "active"
	}

	if c.cacheRepo != nil {
		if data, err := c.cacheRepo.GetIfFresh("job_lists", scope); err == nil && data != nil {
			var jobs []Job
			if err := json.Unmarshal(data, &jobs); err == nil {
				return jobs, nil
			}
		}
	}

	var jobs []Job
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/backtests?scope="+url.QueryEscape(scope), nil, &jobs); err != nil {
		if stale, ok := c.staleList(scope); ok {
			c.log.Warn().Err(err).Str("scope", scope).Msg("Service failed, using stale job list")
			return stale, nil
		}
		return nil, err
	}

	if c.cacheRepo != nil {
		if err := c.cacheRepo.Store("job_lists", scope, jobs, clientcache.TTLJobList); err != nil {
			c.log.Warn().Err(err).Str("scope", scope).Msg("Failed to cache job list")
		}
	}
	return jobs, nil
}

// SearchSymbols looks up tradable instruments matching a query.
// Falls back to stale cached matches when the service call fails.
func (c *Client) SearchSymbols(ctx context.Context, query string) ([]SymbolMatch, error) {
	if query == "" {
		return nil, reliability.ValidationError{Field: "query", Message: "must not be empty"}
	}

	if c.cacheRepo != nil {
		if data, err := c.cacheRepo.GetIfFresh("symbol_search", query); err == nil && data != nil {
			var matches []SymbolMatch
			if err := json.Unmarshal(data, &matches); err == nil {
				return matches, nil
			}
		}
	}

	var matches []SymbolMatch
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/symbols?q="+url.QueryEscape(query), nil, &matches); err != nil {
		if c.cacheRepo != nil {
			if data, cacheErr := c.cacheRepo.Get("symbol_search", query); cacheErr == nil && data != nil {
				var stale []SymbolMatch
				if json.Unmarshal(data, &stale) == nil {
					c.log.Warn().Err(err).Str("query", query).Msg("Service failed, using stale symbol matches")
					return stale, nil
				}
			}
		}
		return nil, err
	}

	if c.cacheRepo != nil {
		if err := c.cacheRepo.Store("symbol_search", query, matches, clientcache.TTLSymbolSearch); err != nil {
			c.log.Warn().Err(err).Str("query", query).Msg("Failed to cache symbol matches")
		}
	}
	return matches, nil
}

func (c *Client) staleList(scope string) ([]Job, bool) {
	if c.cacheRepo == nil {
		return nil, false
	}
	data, err := c.cacheRepo.Get("job_lists", scope)
	if err != nil || data == nil {
		return nil, false
	}
	var jobs []Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, false
	}
	return jobs, true
}

// doJSON queues one HTTP exchange with the service and waits for it to run.
func (c *Client) doJSON(ctx context.Context, method, path string, payload, out interface{}) error {
	job := requestJob{
		ctx:     ctx,
		method:  method,
		path:    path,
		payload: payload,
		out:     out,
		result:  make(chan error, 1),
	}

	select {
	case c.queue <- job:
	case <-c.stop:
		return errClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-job.result:
		return err
	case <-c.stop:
		return errClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// worker drains the request queue one job at a time, keeping minRequestGap
// between consecutive requests.
func (c *Client) worker() {
	defer close(c.workerDone)

	var lastRequest time.Time

	process := func(job requestJob) {
		if err := job.ctx.Err(); err != nil {
			job.result <- err
			return
		}
		if !lastRequest.IsZero() {
			if wait := minRequestGap - time.Since(lastRequest); wait > 0 {
				time.Sleep(wait)
			}
		}
		job.result <- c.exchange(job.ctx, job.method, job.path, job.payload, job.out)
		lastRequest = time.Now()
	}

	for {
		select {
		case <-c.stop:
			// Fail whatever is still queued instead of making the caller
			// wait out the remaining gaps.
			for {
				select {
				case job := <-c.queue:
					job.result <- errClientClosed
				default:
					return
				}
			}
		case job := <-c.queue:
			process(job)
		}
	}
}

// exchange performs one HTTP exchange with the service.
func (c *Client) exchange(ctx context.Context, method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("backtest service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return &reliability.APIError{
			Status:     resp.StatusCode,
			StatusText: http.StatusText(resp.StatusCode),
			URL:        req.URL.String(),
			Method:     method,
			Body:       string(raw),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
