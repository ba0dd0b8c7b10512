// Package agent wires the service watcher, the command handlers and the
// telemetry jobs into one long-running process.
package agent

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/stone-age-io/svcwatch/internal/config"
	natsclient "github.com/stone-age-io/svcwatch/internal/nats"
	"github.com/stone-age-io/svcwatch/internal/scheduler"
	"github.com/stone-age-io/svcwatch/internal/svcctl"
	"github.com/stone-age-io/svcwatch/internal/tasks"
	"github.com/stone-age-io/svcwatch/internal/watcher"
)

// Agent represents the main agent
type Agent struct {
	config    *config.Config
	logger    *zap.Logger
	watcher   *watcher.Watcher
	nats      *natsclient.Client
	publisher *natsclient.StatusPublisher
	scheduler *scheduler.Scheduler
	version   string
	cancel    context.CancelFunc
}

// New loads the configuration and connects every component. Nothing is
// scheduled until Start.
func New(configPath string, version string) (*Agent, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("Starting svcwatch",
		zap.String("version", version),
		zap.String("device_id", cfg.DeviceID))

	ctx, cancel := context.WithCancel(context.Background())

	binding := svcctl.NewDefault(logger.Named("svcctl"),
		svcctl.WithDefaultWait(cfg.Services.WaitTimeout))
	w := watcher.New(ctx, binding, nil, logger.Named("watcher"),
		watcher.WithMonitorTimeout(cfg.Services.MonitorTimeout),
		watcher.WithRetryInterval(cfg.Services.RetryInterval))
	executor := tasks.NewExecutor(logger, binding, w, cfg.Services.WaitTimeout)

	fail := func(err error) (*Agent, error) {
		w.Close()
		cancel()
		logger.Sync()
		return nil, err
	}

	natsClient, err := natsclient.NewClient(&cfg.NATS, logger)
	if err != nil {
		return fail(fmt.Errorf("failed to connect to NATS: %w", err))
	}

	handlers := natsclient.NewCommandHandlers(logger, cfg, executor)
	if err := handlers.SubscribeAll(natsClient); err != nil {
		natsClient.Close()
		return fail(fmt.Errorf("failed to subscribe to commands: %w", err))
	}

	subjects := natsclient.NewSubjects(cfg.SubjectPrefix, cfg.DeviceID)
	publisher := natsclient.NewStatusPublisher(logger, natsClient, subjects, executor)
	publisher.Attach(w)

	sched, err := scheduler.New(logger, natsClient, executor, cfg, version)
	if err != nil {
		publisher.Detach()
		natsClient.Close()
		return fail(fmt.Errorf("failed to create scheduler: %w", err))
	}

	return &Agent{
		config:    cfg,
		logger:    logger,
		watcher:   w,
		nats:      natsClient,
		publisher: publisher,
		scheduler: sched,
		version:   version,
		cancel:    cancel,
	}, nil
}

// Start registers the configured services with the watcher and starts the
// scheduled jobs. A service that cannot be watched is logged and skipped.
func (a *Agent) Start() {
	for _, name := range a.config.Services.Watch {
		if err := a.watcher.AddService(name); err != nil {
			a.logger.Warn("Cannot watch service",
				zap.String("service", name),
				zap.Error(err))
			continue
		}
		a.logger.Info("Watching service", zap.String("service", name))
	}

	a.scheduler.Start()

	a.logger.Info("Agent running",
		zap.String("device_id", a.config.DeviceID),
		zap.String("version", a.version),
		zap.Int("watched_services", len(a.watcher.Services())))
}

// Shutdown stops the jobs and the watcher, then drains the NATS connection
func (a *Agent) Shutdown() error {
	a.logger.Info("Shutting down agent gracefully")

	if err := a.scheduler.Shutdown(); err != nil {
		a.logger.Error("Error shutting down scheduler", zap.Error(err))
	}

	a.publisher.Detach()
	a.watcher.Close()
	a.cancel()

	if err := a.nats.Drain(a.config.NATS.DrainTimeout); err != nil {
		a.logger.Error("Error draining NATS", zap.Error(err))
	}

	a.logger.Info("Agent shutdown complete")
	a.logger.Sync()
	return nil
}
