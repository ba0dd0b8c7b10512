package nats

import (
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/stone-age-io/svcwatch/internal/config"
	"github.com/stone-age-io/svcwatch/internal/tasks"
)

// Subscriber registers request/reply handlers. *Client implements it.
type Subscriber interface {
	Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error)
}

// commandFunc turns a request payload into the response value
type commandFunc func(data []byte) interface{}

// CommandHandlers manages all command subscriptions and handlers
type CommandHandlers struct {
	logger       *zap.Logger
	config       *config.Config
	subjects     Subjects
	taskExecutor *tasks.Executor
}

// NewCommandHandlers creates a new command handler manager
func NewCommandHandlers(logger *zap.Logger, cfg *config.Config, executor *tasks.Executor) *CommandHandlers {
	return &CommandHandlers{
		logger:       logger,
		config:       cfg,
		subjects:     NewSubjects(cfg.SubjectPrefix, cfg.DeviceID),
		taskExecutor: executor,
	}
}

// SubscribeAll subscribes to all command subjects for this device
func (h *CommandHandlers) SubscribeAll(client Subscriber) error {
	commands := []struct {
		subject string
		name    string
		fn      commandFunc
	}{
		{CmdPing, "ping", h.handlePing},
		{CmdService, "service", h.handleServiceControl},
		{CmdInstall, "install", h.handleInstall},
		{CmdUninstall, "uninstall", h.handleUninstall},
		{CmdWatch, "watch", h.handleWatch},
		{CmdHealth, "health", h.handleHealth},
		{CmdMetrics, "metrics", h.handleMetrics},
	}

	for _, c := range commands {
		if _, err := client.Subscribe(h.subjects.Subject(c.subject), h.handler(c.name, c.fn)); err != nil {
			return err
		}
	}
	return nil
}

// handler adapts a commandFunc to a NATS message handler
func (h *CommandHandlers) handler(name string, fn commandFunc) nats.MsgHandler {
	return func(msg *nats.Msg) {
		h.respond(msg, h.run(name, msg.Subject, msg.Data, fn))
	}
}

// run executes fn and converts a panic into an error response, so one bad
// command cannot take the agent down
func (h *CommandHandlers) run(name, subject string, data []byte, fn commandFunc) (response interface{}) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Panic recovered in command handler",
				zap.String("handler", name),
				zap.String("subject", subject),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))

			h.taskExecutor.RecordCommandError(fmt.Errorf("handler %s panicked: %v", name, r))
			response = newErrorResponse(fmt.Sprintf("Internal error: handler panicked: %v", r))
		}
	}()

	return fn(data)
}

func (h *CommandHandlers) respond(msg *nats.Msg, response interface{}) {
	responseBytes, err := json.Marshal(response)
	if err != nil {
		h.logger.Error("Failed to encode response",
			zap.String("subject", msg.Subject),
			zap.Error(err))
		responseBytes, _ = json.Marshal(newErrorResponse("Internal error: failed to encode response"))
	}
	if err := msg.Respond(responseBytes); err != nil {
		h.logger.Warn("Failed to send response",
			zap.String("subject", msg.Subject),
			zap.Error(err))
	}
}

// Response structures

type pingResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type serviceControlRequest struct {
	Action      string `json:"action"`
	ServiceName string `json:"service_name"`
	Wait        bool   `json:"wait,omitempty"`
}

type serviceControlResponse struct {
	Status      string `json:"status"`
	ServiceName string `json:"service_name,omitempty"`
	Action      string `json:"action,omitempty"`
	Result      string `json:"result,omitempty"`
	Error       string `json:"error,omitempty"`
	Timestamp   string `json:"timestamp"`
}

type uninstallRequest struct {
	ServiceName string `json:"service_name"`
}

type watchRequest struct {
	Action      string `json:"action"`
	ServiceName string `json:"service_name,omitempty"`
}

type watchResponse struct {
	Status    string                 `json:"status"`
	Action    string                 `json:"action,omitempty"`
	Services  []tasks.WatchedService `json:"services"`
	Error     string                 `json:"error,omitempty"`
	Timestamp string                 `json:"timestamp"`
}

type metricsRequest struct {
	Services []string `json:"services,omitempty"`
}

type metricsResponse struct {
	Status    string `json:"status"`
	Format    string `json:"format"`
	Metrics   string `json:"metrics"`
	Timestamp string `json:"timestamp"`
}

type healthResponse struct {
	Status       string                   `json:"status"`
	AgentMetrics *tasks.AgentMetrics      `json:"agent_metrics"`
	TaskMetrics  *tasks.TaskHealthMetrics `json:"task_metrics"`
	Timestamp    string                   `json:"timestamp"`
}

type errorResponse struct {
	Status    string `json:"status"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

func newErrorResponse(msg string) errorResponse {
	return errorResponse{
		Status:    "error",
		Error:     msg,
		Timestamp: timestamp(),
	}
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// handlePing responds to ping commands
func (h *CommandHandlers) handlePing([]byte) interface{} {
	h.logger.Debug("Received ping command")
	return pingResponse{
		Status:    "pong",
		Timestamp: timestamp(),
	}
}

// handleServiceControl processes service start/stop/restart/status commands
func (h *CommandHandlers) handleServiceControl(data []byte) interface{} {
	var req serviceControlRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.logger.Error("Failed to parse service control request", zap.Error(err))
		h.taskExecutor.RecordCommandError(err)
		return newErrorResponse("Invalid request format")
	}

	h.logger.Info("Processing service control",
		zap.String("action", req.Action),
		zap.String("service", req.ServiceName))

	control := h.taskExecutor.ControlService
	if req.Wait {
		control = h.taskExecutor.ControlServiceAndWait
	}
	result, err := control(req.ServiceName, req.Action, h.config.Commands.AllowedServices)
	if err != nil {
		h.logger.Error("Service control failed",
			zap.Error(err),
			zap.String("service", req.ServiceName),
			zap.String("action", req.Action))
		h.taskExecutor.RecordCommandError(err)

		return serviceControlResponse{
			Status:      "error",
			ServiceName: req.ServiceName,
			Action:      req.Action,
			Error:       err.Error(),
			Timestamp:   timestamp(),
		}
	}

	h.taskExecutor.RecordCommandSuccess()
	h.logger.Info("Service control succeeded",
		zap.String("service", req.ServiceName),
		zap.String("action", req.Action))

	return serviceControlResponse{
		Status:      "success",
		ServiceName: req.ServiceName,
		Action:      req.Action,
		Result:      result,
		Timestamp:   timestamp(),
	}
}

// handleInstall registers and starts a service
func (h *CommandHandlers) handleInstall(data []byte) interface{} {
	var req tasks.InstallRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.logger.Error("Failed to parse install request", zap.Error(err))
		h.taskExecutor.RecordCommandError(err)
		return newErrorResponse("Invalid request format")
	}

	h.logger.Info("Processing service install",
		zap.String("service", req.ServiceName),
		zap.String("binary", req.BinaryPath))

	result, err := h.taskExecutor.InstallService(req,
		h.config.Commands.AllowInstall, h.config.Commands.AllowedServices)
	return h.controlResult("install", req.ServiceName, result, err)
}

// handleUninstall stops and removes a service
func (h *CommandHandlers) handleUninstall(data []byte) interface{} {
	var req uninstallRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.logger.Error("Failed to parse uninstall request", zap.Error(err))
		h.taskExecutor.RecordCommandError(err)
		return newErrorResponse("Invalid request format")
	}

	h.logger.Info("Processing service uninstall", zap.String("service", req.ServiceName))

	result, err := h.taskExecutor.UninstallService(req.ServiceName,
		h.config.Commands.AllowInstall, h.config.Commands.AllowedServices)
	return h.controlResult("uninstall", req.ServiceName, result, err)
}

func (h *CommandHandlers) controlResult(action, name, result string, err error) serviceControlResponse {
	if err != nil {
		h.logger.Error("Service "+action+" failed",
			zap.Error(err),
			zap.String("service", name))
		h.taskExecutor.RecordCommandError(err)

		return serviceControlResponse{
			Status:      "error",
			ServiceName: name,
			Action:      action,
			Error:       err.Error(),
			Timestamp:   timestamp(),
		}
	}

	h.taskExecutor.RecordCommandSuccess()
	return serviceControlResponse{
		Status:      "success",
		ServiceName: name,
		Action:      action,
		Result:      result,
		Timestamp:   timestamp(),
	}
}

// handleWatch manages the watcher registry
func (h *CommandHandlers) handleWatch(data []byte) interface{} {
	var req watchRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.logger.Error("Failed to parse watch request", zap.Error(err))
		h.taskExecutor.RecordCommandError(err)
		return newErrorResponse("Invalid request format")
	}

	h.logger.Info("Processing watch command",
		zap.String("action", req.Action),
		zap.String("service", req.ServiceName))

	services, err := h.taskExecutor.WatchService(req.Action, req.ServiceName)
	if err != nil {
		h.logger.Error("Watch command failed",
			zap.Error(err),
			zap.String("action", req.Action))
		h.taskExecutor.RecordCommandError(err)

		return watchResponse{
			Status:    "error",
			Action:    req.Action,
			Services:  h.taskExecutor.WatchedServices(),
			Error:     err.Error(),
			Timestamp: timestamp(),
		}
	}

	h.taskExecutor.RecordCommandSuccess()
	return watchResponse{
		Status:    "success",
		Action:    req.Action,
		Services:  services,
		Timestamp: timestamp(),
	}
}

// handleHealth returns agent health and performance metrics
func (h *CommandHandlers) handleHealth([]byte) interface{} {
	metrics := h.taskExecutor.GetAgentMetrics()

	h.logger.Debug("Sending health response",
		zap.Float64("memory_mb", metrics.MemoryUsageMB),
		zap.Int("goroutines", metrics.Goroutines))

	return healthResponse{
		Status:       "healthy",
		AgentMetrics: metrics,
		TaskMetrics:  h.taskExecutor.GetTaskMetrics(),
		Timestamp:    timestamp(),
	}
}

// handleMetrics renders service state gauges in the Prometheus text format.
// An empty request covers the watched and allow-listed services.
func (h *CommandHandlers) handleMetrics(data []byte) interface{} {
	var req metricsRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			h.logger.Error("Failed to parse metrics request", zap.Error(err))
			h.taskExecutor.RecordCommandError(err)
			return newErrorResponse("Invalid request format")
		}
	}

	names := req.Services
	if len(names) == 0 {
		names = h.defaultMetricServices()
	}

	statuses, err := h.taskExecutor.GetServiceStatuses(names)
	if err == nil {
		var text string
		text, err = h.taskExecutor.RenderMetrics(statuses)
		if err == nil {
			h.taskExecutor.RecordCommandSuccess()
			return metricsResponse{
				Status:    "success",
				Format:    "prometheus",
				Metrics:   text,
				Timestamp: timestamp(),
			}
		}
	}

	h.logger.Error("Metrics command failed", zap.Error(err))
	h.taskExecutor.RecordCommandError(err)
	return tasks.CreateMetricsError(err)
}

// defaultMetricServices merges the watched and allow-listed services
func (h *CommandHandlers) defaultMetricServices() []string {
	seen := make(map[string]bool)
	var names []string
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}

	for _, svc := range h.taskExecutor.WatchedServices() {
		add(svc.Name)
	}
	for _, name := range h.config.Commands.AllowedServices {
		add(name)
	}
	sort.Strings(names)
	return names
}
