// Package scheduler runs the periodic telemetry jobs.
package scheduler

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/stone-age-io/svcwatch/internal/config"
	natsclient "github.com/stone-age-io/svcwatch/internal/nats"
	"github.com/stone-age-io/svcwatch/internal/tasks"
)

// Scheduler manages the heartbeat and service check jobs
type Scheduler struct {
	scheduler gocron.Scheduler
	logger    *zap.Logger
	publisher natsclient.Publisher
	executor  *tasks.Executor
	config    *config.Config
	subjects  natsclient.Subjects
	version   string
}

// ServiceReport is the payload of a service check sweep
type ServiceReport struct {
	DeviceID  string                `json:"device_id"`
	Services  []tasks.ServiceStatus `json:"services"`
	Timestamp string                `json:"timestamp"`
}

// New creates the scheduler and registers the enabled jobs. Nothing runs
// until Start.
func New(logger *zap.Logger, publisher natsclient.Publisher, executor *tasks.Executor, cfg *config.Config, version string) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	sched := &Scheduler{
		scheduler: s,
		logger:    logger,
		publisher: publisher,
		executor:  executor,
		config:    cfg,
		subjects:  natsclient.NewSubjects(cfg.SubjectPrefix, cfg.DeviceID),
		version:   version,
	}

	if cfg.Tasks.Heartbeat.Enabled {
		if err := sched.add("heartbeat", cfg.Tasks.Heartbeat.Interval, sched.publishHeartbeat); err != nil {
			return nil, err
		}
	}
	if cfg.Tasks.ServiceCheck.Enabled {
		if err := sched.add("service_check", cfg.Tasks.ServiceCheck.Interval, sched.publishServiceCheck); err != nil {
			return nil, err
		}
	}

	return sched, nil
}

// add registers a job that runs immediately and then every interval. A run
// that overlaps the previous one is skipped.
func (s *Scheduler) add(name string, interval time.Duration, fn func()) error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(fn),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = s.scheduler.Shutdown()
		return fmt.Errorf("failed to schedule %s job: %w", name, err)
	}

	s.logger.Info("Scheduled task",
		zap.String("task", name),
		zap.Duration("interval", interval))
	return nil
}

// Start begins running the scheduled jobs
func (s *Scheduler) Start() {
	s.scheduler.Start()
	s.logger.Info("Scheduler started", zap.Int("jobs", len(s.scheduler.Jobs())))
}

// Shutdown stops the scheduler and waits for running jobs to finish
func (s *Scheduler) Shutdown() error {
	if err := s.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("failed to shut down scheduler: %w", err)
	}
	s.logger.Info("Scheduler stopped")
	return nil
}

func (s *Scheduler) publishHeartbeat() {
	heartbeat := s.executor.CreateHeartbeat(s.version)
	if err := s.publish(natsclient.TelemetryHeartbeat, heartbeat); err != nil {
		s.logger.Warn("Failed to publish heartbeat", zap.Error(err))
		return
	}
	s.executor.RecordHeartbeat()
}

func (s *Scheduler) publishServiceCheck() {
	names := s.checkedServices()
	if len(names) == 0 {
		s.logger.Debug("No services to check")
		return
	}

	statuses, err := s.executor.GetServiceStatuses(names)
	if err != nil {
		s.logger.Error("Service check failed", zap.Error(err))
		return
	}

	report := ServiceReport{
		DeviceID:  s.config.DeviceID,
		Services:  statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.publish(natsclient.TelemetryServices, report); err != nil {
		s.logger.Warn("Failed to publish service check", zap.Error(err))
		return
	}
	s.executor.RecordServiceCheck()
}

// checkedServices merges the configured and currently watched services
func (s *Scheduler) checkedServices() []string {
	seen := make(map[string]bool)
	var names []string
	for _, name := range s.config.Services.Watch {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	for _, svc := range s.executor.WatchedServices() {
		if !seen[svc.Name] {
			seen[svc.Name] = true
			names = append(names, svc.Name)
		}
	}
	sort.Strings(names)
	return names
}

func (s *Scheduler) publish(suffix string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", suffix, err)
	}
	return s.publisher.PublishTelemetry(s.subjects.Subject(suffix), data)
}
