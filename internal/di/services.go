package di

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/spyglass/internal/backtest"
	"github.com/aristath/spyglass/internal/clientcache"
	"github.com/aristath/spyglass/internal/config"
	"github.com/aristath/spyglass/internal/database"
	"github.com/aristath/spyglass/internal/events"
	"github.com/aristath/spyglass/internal/notify"
	"github.com/aristath/spyglass/internal/quotes"
	"github.com/aristath/spyglass/internal/reliability"
	"github.com/aristath/spyglass/internal/server"
	"github.com/aristath/spyglass/internal/status"
	"github.com/aristath/spyglass/internal/stream"
	"github.com/aristath/spyglass/internal/telemetry"
)

// upstreamGuardResetAfter is how long the backtest boundary stays tripped
// before it re-probes the upstream on its own.
const upstreamGuardResetAfter = 30 * time.Second

// InitializeServices creates all services in dependency order and stores
// them in the container. This is the single source of truth for service
// construction.
func InitializeServices(container *Container, cfg *config.Config, log zerolog.Logger) error {
	if container == nil {
		return fmt.Errorf("container cannot be nil")
	}

	// Event bus first: nearly everything publishes on it.
	container.EventBus = events.NewBus(log)
	container.EventManager = events.NewManager(container.EventBus, log)
	log.Info().Msg("Event bus initialized")

	// Notification sinks. The bus sink feeds the SSE stream; Telegram is
	// optional operator alerting.
	sinks := []notify.Sink{
		notify.NewBusSink(container.EventManager),
		notify.NewLogSink(log),
	}
	if cfg.TelegramToken != "" {
		telegram, err := notify.NewTelegramSink(cfg.TelegramToken, cfg.TelegramChatID, log)
		if err != nil {
			log.Warn().Err(err).Msg("Telegram sink disabled")
		} else {
			sinks = append(sinks, telegram)
			log.Info().Msg("Telegram notifications enabled")
		}
	}
	container.Notifier = notify.NewMulti(log, sinks...)
	log.Info().Int("sinks", len(sinks)).Msg("Notifier initialized")

	// Trip record store, and the R2 reporter when credentials are present.
	store, err := telemetry.NewStore(container.TelemetryDB, log)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry store: %w", err)
	}
	container.TelemetryStore = store

	if cfg.ReportingEnabled() {
		r2, err := telemetry.NewR2Client(cfg.R2AccountID, cfg.R2AccessKeyID, cfg.R2SecretAccessKey, cfg.R2Bucket, log)
		if err != nil {
			return fmt.Errorf("failed to initialize R2 client: %w", err)
		}
		container.Reporter = telemetry.NewReporter(r2, log)
		log.Info().Str("bucket", cfg.R2Bucket).Msg("Remote error reporting enabled")
	}

	// System status: tracks the global error slot, stream state and job
	// counters. It listens on the bus so publishers stay decoupled from it.
	container.StatusManager = status.NewManager(container.EventManager, log)
	container.StatusManager.Subscribe(container.EventBus)
	log.Info().Msg("Status manager initialized")

	// Upstream response cache and the reset hook the supervisor pulls
	// before retries.
	cacheRepo, err := clientcache.NewRepository(container.CacheDB)
	if err != nil {
		return fmt.Errorf("failed to initialize cache repository: %w", err)
	}
	container.CacheRepo = cacheRepo
	resetter := clientcache.NewResetter(cacheRepo, container.EventManager, log)

	container.Supervisor = reliability.NewSupervisor(log, container.EventManager, container.Notifier, resetter)
	container.Supervisor.Start()
	log.Info().Msg("Supervisor initialized")

	// Page-scope boundary in front of the backtest upstream. Trips persist
	// to telemetry, escalate into the status manager's error slot, and ship
	// to R2 when reporting is on.
	guardDeps := reliability.BoundaryDeps{
		Log:    log,
		Events: container.EventManager,
		Store:  container.TelemetryStore,
		Slot:   container.StatusManager,
	}
	if container.Reporter != nil {
		guardDeps.Reporter = container.Reporter
	}
	container.Guard = reliability.NewBoundary(reliability.BoundaryOptions{
		Name:           "backtest_upstream",
		Scope:          reliability.ScopePage,
		AutoResetAfter: upstreamGuardResetAfter,
		DevMode:        cfg.DevMode,
	}, guardDeps)

	// Backtest client, local job stores, and the tracker on top of them.
	container.Client = backtest.NewClient(cfg.BacktestServiceURL, cfg.BacktestAPIKey, cacheRepo, log)

	resumeStore, err := backtest.NewResumeStore(container.JobsDB, log)
	if err != nil {
		return fmt.Errorf("failed to initialize resume store: %w", err)
	}
	container.ResumeStore = resumeStore

	archive, err := backtest.NewArchive(container.JobsDB, log)
	if err != nil {
		return fmt.Errorf("failed to initialize job archive: %w", err)
	}
	container.Archive = archive

	trackerCfg := backtest.DefaultTrackerConfig()
	trackerCfg.OnActiveCount = container.StatusManager.SetActiveJobs
	container.Tracker = backtest.NewTracker(
		container.Client,
		container.Supervisor,
		resumeStore,
		archive,
		container.EventManager,
		trackerCfg,
		log,
	)
	log.Info().Msg("Job tracker initialized")

	// Market-data stream and the quote analytics engine fed by it.
	container.StreamManager = stream.NewManager(stream.Config{
		URL:            cfg.StreamURL,
		ReconnectDelay: cfg.StreamReconnectDelay,
		MaxReconnects:  cfg.StreamMaxReconnects,
	}, container.EventManager, container.Notifier, log)

	container.QuoteEngine = quotes.NewEngine(container.StreamManager, cacheRepo, container.EventManager, log)
	log.Info().Msg("Quote engine initialized")

	container.Server = server.New(server.Config{
		Log:       log,
		Cfg:       cfg,
		EventBus:  container.EventBus,
		Tracker:   container.Tracker,
		Client:    container.Client,
		Archive:   container.Archive,
		Quotes:    container.QuoteEngine,
		Stream:    container.StreamManager,
		Status:    container.StatusManager,
		Telemetry: container.TelemetryStore,
		Notifier:  container.Notifier,
		Databases: map[string]*database.DB{
			"jobs":      container.JobsDB,
			"telemetry": container.TelemetryDB,
			"cache":     container.CacheDB,
		},
		Guard: container.Guard,
	})
	log.Info().Msg("HTTP server initialized")

	return nil
}
