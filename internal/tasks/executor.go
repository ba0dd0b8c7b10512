package tasks

import (
	"math"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stone-age-io/svcwatch/internal/svcctl"
	"github.com/stone-age-io/svcwatch/internal/watcher"
)

// Executor handles all task execution for both scheduled tasks and commands
type Executor struct {
	logger      *zap.Logger
	binding     *svcctl.Binding
	watcher     *watcher.Watcher
	waitTimeout time.Duration
	stats       *ExecutorStats
	taskStats   *TaskStats
	procs       processSampler
}

// ExecutorStats tracks executor statistics for self-monitoring
type ExecutorStats struct {
	mu                sync.RWMutex
	startTime         time.Time
	commandsProcessed int64
	commandsErrored   int64
	lastError         string
	lastErrorTime     time.Time
}

// TaskStats tracks scheduled task execution for monitoring
type TaskStats struct {
	mu sync.RWMutex

	lastHeartbeat    time.Time
	lastServiceCheck time.Time

	heartbeatCount    int64
	serviceCheckCount int64
	statusEvents      int64
}

// AgentMetrics represents agent self-monitoring metrics
type AgentMetrics struct {
	MemoryUsageMB     float64 `json:"memory_usage_mb"`
	Goroutines        int     `json:"goroutines"`
	UptimeSeconds     int64   `json:"uptime_seconds"`
	CommandsProcessed int64   `json:"commands_processed"`
	CommandsErrored   int64   `json:"commands_errored"`
	WatchedServices   int     `json:"watched_services"`
	LastError         string  `json:"last_error,omitempty"`
	LastErrorTime     string  `json:"last_error_time,omitempty"`
}

// TaskHealthMetrics represents scheduled task health
type TaskHealthMetrics struct {
	LastHeartbeat    string `json:"last_heartbeat,omitempty"`
	LastServiceCheck string `json:"last_service_check,omitempty"`

	HeartbeatCount    int64 `json:"heartbeat_count"`
	ServiceCheckCount int64 `json:"service_check_count"`
	StatusEvents      int64 `json:"status_events"`
}

// NewExecutor creates a new task executor. w may be nil when no watcher runs,
// as in the one-shot CLI commands.
func NewExecutor(logger *zap.Logger, binding *svcctl.Binding, w *watcher.Watcher, waitTimeout time.Duration) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if waitTimeout <= 0 {
		waitTimeout = svcctl.DefaultWait
	}

	return &Executor{
		logger:      logger,
		binding:     binding,
		watcher:     w,
		waitTimeout: waitTimeout,
		stats:       &ExecutorStats{startTime: time.Now()},
		taskStats:   &TaskStats{},
		procs:       gopsutilSampler{},
	}
}

// GetAgentMetrics returns current agent performance metrics
func (e *Executor) GetAgentMetrics() *AgentMetrics {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	watched := 0
	if e.watcher != nil {
		watched = len(e.watcher.Services())
	}

	e.stats.mu.RLock()
	defer e.stats.mu.RUnlock()

	metrics := &AgentMetrics{
		// mem.Sys is the full process footprint as the OS sees it
		MemoryUsageMB:     round2(float64(mem.Sys) / 1024 / 1024),
		Goroutines:        runtime.NumGoroutine(),
		UptimeSeconds:     int64(time.Since(e.stats.startTime).Seconds()),
		CommandsProcessed: e.stats.commandsProcessed,
		CommandsErrored:   e.stats.commandsErrored,
		WatchedServices:   watched,
	}

	if !e.stats.lastErrorTime.IsZero() {
		metrics.LastError = e.stats.lastError
		metrics.LastErrorTime = e.stats.lastErrorTime.Format(time.RFC3339)
	}

	return metrics
}

// GetTaskMetrics returns scheduled task execution metrics
func (e *Executor) GetTaskMetrics() *TaskHealthMetrics {
	e.taskStats.mu.RLock()
	defer e.taskStats.mu.RUnlock()

	metrics := &TaskHealthMetrics{
		HeartbeatCount:    e.taskStats.heartbeatCount,
		ServiceCheckCount: e.taskStats.serviceCheckCount,
		StatusEvents:      e.taskStats.statusEvents,
	}

	// Only include timestamps if tasks have executed
	if !e.taskStats.lastHeartbeat.IsZero() {
		metrics.LastHeartbeat = e.taskStats.lastHeartbeat.Format(time.RFC3339)
	}
	if !e.taskStats.lastServiceCheck.IsZero() {
		metrics.LastServiceCheck = e.taskStats.lastServiceCheck.Format(time.RFC3339)
	}

	return metrics
}

// RecordHeartbeat records a heartbeat execution
func (e *Executor) RecordHeartbeat() {
	e.taskStats.mu.Lock()
	defer e.taskStats.mu.Unlock()
	e.taskStats.lastHeartbeat = time.Now()
	e.taskStats.heartbeatCount++
}

// RecordServiceCheck records a service check execution
func (e *Executor) RecordServiceCheck() {
	e.taskStats.mu.Lock()
	defer e.taskStats.mu.Unlock()
	e.taskStats.lastServiceCheck = time.Now()
	e.taskStats.serviceCheckCount++
}

// RecordStatusEvent records a state change published from the watcher
func (e *Executor) RecordStatusEvent() {
	e.taskStats.mu.Lock()
	defer e.taskStats.mu.Unlock()
	e.taskStats.statusEvents++
}

// RecordCommandSuccess increments success counter
func (e *Executor) RecordCommandSuccess() {
	e.stats.mu.Lock()
	defer e.stats.mu.Unlock()
	e.stats.commandsProcessed++
}

// RecordCommandError increments error counter and stores last error
func (e *Executor) RecordCommandError(err error) {
	e.stats.mu.Lock()
	defer e.stats.mu.Unlock()

	e.stats.commandsErrored++
	e.stats.commandsProcessed++ // Still counts as processed
	e.stats.lastError = err.Error()
	e.stats.lastErrorTime = time.Now()
}

// round2 rounds to two decimal places for reported metrics
func round2(val float64) float64 {
	return math.Round(val*100) / 100
}
