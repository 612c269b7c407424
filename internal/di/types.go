// Package di wires the object graph of the daemon.
package di

import (
	"github.com/aristath/spyglass/internal/backtest"
	"github.com/aristath/spyglass/internal/clientcache"
	"github.com/aristath/spyglass/internal/database"
	"github.com/aristath/spyglass/internal/events"
	"github.com/aristath/spyglass/internal/notify"
	"github.com/aristath/spyglass/internal/quotes"
	"github.com/aristath/spyglass/internal/reliability"
	"github.com/aristath/spyglass/internal/scheduler"
	"github.com/aristath/spyglass/internal/server"
	"github.com/aristath/spyglass/internal/status"
	"github.com/aristath/spyglass/internal/stream"
	"github.com/aristath/spyglass/internal/telemetry"
)

// Container holds every long-lived component of the daemon. It is created
// by Wire and handed to main, which owns startup and shutdown order.
type Container struct {
	// Databases
	JobsDB      *database.DB
	TelemetryDB *database.DB
	CacheDB     *database.DB

	// Eventing
	EventBus     *events.Bus
	EventManager *events.Manager

	// Notifications
	Notifier notify.Sink

	// Stores
	CacheRepo      *clientcache.Repository
	TelemetryStore *telemetry.Store
	ResumeStore    *backtest.ResumeStore
	Archive        *backtest.Archive

	// Reliability
	Supervisor *reliability.Supervisor
	Guard      *reliability.Boundary
	Reporter   *telemetry.Reporter

	// Services
	StatusManager *status.Manager
	Client        *backtest.Client
	Tracker       *backtest.Tracker
	StreamManager *stream.Manager
	QuoteEngine   *quotes.Engine

	// Scheduling and HTTP
	Scheduler *scheduler.Scheduler
	Server    *server.Server
}

// CloseDatabases closes every database handle. Safe to call with a
// partially initialized container.
func (c *Container) CloseDatabases() {
	for _, db := range []*database.DB{c.CacheDB, c.TelemetryDB, c.JobsDB} {
		if db != nil {
			db.Close()
		}
	}
}
