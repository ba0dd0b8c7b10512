package nats

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/stone-age-io/svcwatch/internal/status"
	"github.com/stone-age-io/svcwatch/internal/svcctl"
	"github.com/stone-age-io/svcwatch/internal/tasks"
	"github.com/stone-age-io/svcwatch/internal/watcher"
)

// Publisher sends telemetry. *Client implements it.
type Publisher interface {
	PublishTelemetry(subject string, data []byte) error
}

// ServiceStatusEvent is published for every state change the watcher observes
type ServiceStatusEvent struct {
	DeviceID      string               `json:"device_id"`
	Service       string               `json:"service"`
	State         string               `json:"state"`
	InstallStatus status.InstallStatus `json:"install_status"`
	RunningStatus status.RunningStatus `json:"running_status"`
	Timestamp     string               `json:"timestamp"`
}

// StatusPublisher forwards watcher notifications to JetStream
type StatusPublisher struct {
	logger    *zap.Logger
	publisher Publisher
	subject   string
	deviceID  string
	executor  *tasks.Executor

	mu          sync.Mutex
	unsubscribe func()
}

// NewStatusPublisher creates a publisher for the device's service_status subject
func NewStatusPublisher(logger *zap.Logger, publisher Publisher, subjects Subjects, executor *tasks.Executor) *StatusPublisher {
	return &StatusPublisher{
		logger:    logger,
		publisher: publisher,
		subject:   subjects.Subject(TelemetryServiceStatus),
		deviceID:  subjects.deviceID,
		executor:  executor,
	}
}

// Attach subscribes to w. A second Attach replaces the first subscription.
func (p *StatusPublisher) Attach(w *watcher.Watcher) {
	unsubscribe := w.Subscribe(p.publish)

	p.mu.Lock()
	previous := p.unsubscribe
	p.unsubscribe = unsubscribe
	p.mu.Unlock()

	if previous != nil {
		previous()
	}
}

// Detach stops forwarding notifications
func (p *StatusPublisher) Detach() {
	p.mu.Lock()
	unsubscribe := p.unsubscribe
	p.unsubscribe = nil
	p.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

func (p *StatusPublisher) publish(name string, state svcctl.State) {
	simplified := status.Classify(state)
	event := ServiceStatusEvent{
		DeviceID:      p.deviceID,
		Service:       name,
		State:         state.String(),
		InstallStatus: simplified.Install,
		RunningStatus: simplified.Running,
		Timestamp:     timestamp(),
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("Failed to encode service status event", zap.Error(err))
		return
	}

	if err := p.publisher.PublishTelemetry(p.subject, data); err != nil {
		p.logger.Warn("Failed to publish service status event",
			zap.String("service", name),
			zap.Stringer("state", state),
			zap.Error(err))
		return
	}

	p.executor.RecordStatusEvent()
	p.logger.Info("Service status changed",
		zap.String("service", name),
		zap.Stringer("state", state),
		zap.String("running_status", string(simplified.Running)))
}
