// Package backtest talks to the backtest execution service: submitting jobs,
// polling them to completion, and archiving what came back.
package backtest

import "time"

// JobStatus is the lifecycle state reported by the backtest service.
type JobStatus string

const (
	StatusPending   JobStatus = "PENDING"
	StatusRunning   JobStatus = "RUNNING"
	StatusCompleted JobStatus = "COMPLETED"
	StatusFailed    JobStatus = "FAILED"
	StatusCancelled JobStatus = "CANCELLED"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// JobRequest describes a backtest to run.
type JobRequest struct {
	Strategy       string                 `json:"strategy"`
	Symbols        []string               `json:"symbols"`
	From           string                 `json:"from"` // YYYY-MM-DD
	To             string                 `json:"to"`   // YYYY-MM-DD
	InitialCapital float64                `json:"initial_capital,omitempty"`
	Parameters     map[string]interface{} `json:"parameters,omitempty"`
}

// Job is the service's view of a submitted backtest.
type Job struct {
	ID        string    `json:"id"`
	Strategy  string    `json:"strategy"`
	Status    JobStatus `json:"status"`
	Progress  float64   `json:"progress"` // 0..100
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EquityPoint is one sample on a result's equity curve.
type EquityPoint struct {
	Date  string  `json:"date"`
	Value float64 `json:"value"`
}

// JobResult holds the performance summary of a completed backtest.
type JobResult struct {
	JobID            string        `json:"job_id"`
	Strategy         string        `json:"strategy"`
	TotalReturn      float64       `json:"total_return"`
	AnnualizedReturn float64       `json:"annualized_return"`
	SharpeRatio      float64       `json:"sharpe_ratio"`
	MaxDrawdown      float64       `json:"max_drawdown"`
	WinRate          float64       `json:"win_rate"`
	Trades           int           `json:"trades"`
	EquityCurve      []EquityPoint `json:"equity_curve,omitempty"`
	CompletedAt      time.Time     `json:"completed_at"`
}

// SymbolMatch is one hit from an instrument search.
type SymbolMatch struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Exchange string `json:"exchange,omitempty"`
}
