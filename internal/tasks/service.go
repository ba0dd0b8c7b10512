package tasks

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/stone-age-io/svcwatch/internal/status"
	"github.com/stone-age-io/svcwatch/internal/svcctl"
)

// ServiceStatus represents the status of a system service
type ServiceStatus struct {
	Name          string               `json:"name"`
	Status        string               `json:"status"` // One of the ServiceStatus* constants below
	State         string               `json:"state"`
	InstallStatus status.InstallStatus `json:"install_status"`
	RunningStatus status.RunningStatus `json:"running_status"`
	ProcessID     uint32               `json:"pid,omitempty"`
	ExitCode      uint32               `json:"exit_code,omitempty"`
	Process       *ProcessStats        `json:"process,omitempty"`

	state svcctl.State
}

// Service status constants, identical on every platform
const (
	ServiceStatusRunning      = "Running"
	ServiceStatusStopped      = "Stopped"
	ServiceStatusStarting     = "Starting"
	ServiceStatusStopping     = "Stopping"
	ServiceStatusPaused       = "Paused"
	ServiceStatusError        = "Error"
	ServiceStatusUnknown      = "Unknown"
	ServiceStatusNotInstalled = "NotInstalled"
)

// InstallRequest describes a service to register.
type InstallRequest struct {
	ServiceName string   `json:"service_name"`
	DisplayName string   `json:"display_name"`
	BinaryPath  string   `json:"binary_path"`
	Args        []string `json:"args,omitempty"`
}

// WatchedService is one row of the watcher registry.
type WatchedService struct {
	Name          string               `json:"name"`
	State         string               `json:"state"`
	RunningStatus status.RunningStatus `json:"running_status"`
}

// ErrNoWatcher is returned by watch commands when the executor has no watcher.
var ErrNoWatcher = errors.New("service watcher is not running")

// ControlService starts, stops, restarts or queries an allow-listed service
func (e *Executor) ControlService(name, action string, allowedServices []string) (string, error) {
	// Validate service is in whitelist
	if !isServiceAllowed(name, allowedServices) {
		return "", fmt.Errorf("service not in allowed list: %s", name)
	}

	switch action {
	case "start", "stop", "restart", "status":
	default:
		return "", fmt.Errorf("invalid action: %s (must be start, stop, restart, or status)", action)
	}

	e.logger.Info("Controlling service",
		zap.String("service", name),
		zap.String("action", action))

	switch action {
	case "start":
		if err := e.binding.Start(name); err != nil {
			return "", fmt.Errorf("failed to start service: %w", err)
		}
	case "stop":
		if err := e.binding.Stop(name); err != nil {
			return "", fmt.Errorf("failed to stop service: %w", err)
		}
	case "restart":
		if err := e.binding.Stop(name); err != nil {
			return "", fmt.Errorf("failed to stop service for restart: %w", err)
		}
		if err := e.binding.Start(name); err != nil {
			return "", fmt.Errorf("failed to start service after stop: %w", err)
		}
	case "status":
		state, err := e.binding.GetStatus(name)
		if err != nil {
			return "", fmt.Errorf("failed to query service: %w", err)
		}
		return fmt.Sprintf("Service %s is %s", name, state), nil
	}

	return fmt.Sprintf("Service %s %s successfully", name, action), nil
}

// ControlServiceAndWait starts or stops an allow-listed service through the
// bounded transition: the service must be in the opposite terminal state and
// must reach the requested one within the executor's wait timeout.
func (e *Executor) ControlServiceAndWait(name, action string, allowedServices []string) (string, error) {
	if !isServiceAllowed(name, allowedServices) {
		return "", fmt.Errorf("service not in allowed list: %s", name)
	}

	e.logger.Info("Controlling service and waiting",
		zap.String("service", name),
		zap.String("action", action),
		zap.Duration("timeout", e.waitTimeout))

	var ok bool
	switch action {
	case "start":
		ok = e.binding.StartAndWait(name, e.waitTimeout)
	case "stop":
		ok = e.binding.StopAndWait(name, e.waitTimeout)
	default:
		return "", fmt.Errorf("invalid action: %s (must be start or stop when waiting)", action)
	}

	if !ok {
		state, _ := e.binding.GetStatus(name)
		return "", fmt.Errorf("service %s did not %s within %v (state %s)", name, action, e.waitTimeout, state)
	}
	return fmt.Sprintf("Service %s %s successfully", name, action), nil
}

// InstallService registers and starts a service. Installing is disabled
// unless allowInstall is set, and the name must be allow-listed.
func (e *Executor) InstallService(req InstallRequest, allowInstall bool, allowedServices []string) (string, error) {
	if !allowInstall {
		return "", fmt.Errorf("install commands are disabled")
	}
	if !isServiceAllowed(req.ServiceName, allowedServices) {
		return "", fmt.Errorf("service not in allowed list: %s", req.ServiceName)
	}
	if req.BinaryPath == "" {
		return "", fmt.Errorf("binary_path is required")
	}

	displayName := req.DisplayName
	if displayName == "" {
		displayName = req.ServiceName
	}
	if err := e.binding.Install(req.ServiceName, displayName, req.BinaryPath, req.Args...); err != nil {
		return "", fmt.Errorf("failed to install service: %w", err)
	}
	return fmt.Sprintf("Service %s installed and running", req.ServiceName), nil
}

// UninstallService stops and deletes an allow-listed service
func (e *Executor) UninstallService(name string, allowInstall bool, allowedServices []string) (string, error) {
	if !allowInstall {
		return "", fmt.Errorf("install commands are disabled")
	}
	if !isServiceAllowed(name, allowedServices) {
		return "", fmt.Errorf("service not in allowed list: %s", name)
	}
	if err := e.binding.Uninstall(name); err != nil {
		return "", fmt.Errorf("failed to uninstall service: %w", err)
	}
	return fmt.Sprintf("Service %s uninstalled", name), nil
}

// GetServiceStatuses retrieves status for all configured services. It fails
// only when the service manager cannot be reached at all.
func (e *Executor) GetServiceStatuses(services []string) ([]ServiceStatus, error) {
	statuses := make([]ServiceStatus, 0, len(services))

	for _, name := range services {
		snap, err := e.binding.QueryStatus(name)
		switch {
		case errors.Is(err, svcctl.ErrConnection):
			return nil, fmt.Errorf("failed to connect to service manager: %w", err)
		case errors.Is(err, svcctl.ErrNotFound):
			statuses = append(statuses, newServiceStatus(name, svcctl.Snapshot{State: svcctl.NotFound}))
			continue
		case err != nil:
			e.logger.Warn("Failed to get service status",
				zap.String("service", name),
				zap.Error(err))
			st := newServiceStatus(name, svcctl.Snapshot{State: svcctl.Unknown})
			st.Status = ServiceStatusError
			statuses = append(statuses, st)
			continue
		}

		st := newServiceStatus(name, snap)
		if snap.ProcessID != 0 {
			proc, err := e.procs.Sample(snap.ProcessID)
			if err != nil {
				e.logger.Debug("Failed to sample service process",
					zap.String("service", name),
					zap.Uint32("pid", snap.ProcessID),
					zap.Error(err))
			} else {
				st.Process = proc
			}
		}
		statuses = append(statuses, st)
	}

	return statuses, nil
}

func newServiceStatus(name string, snap svcctl.Snapshot) ServiceStatus {
	simplified := status.Classify(snap.State)
	return ServiceStatus{
		Name:          name,
		Status:        statusString(snap.State),
		State:         snap.State.String(),
		InstallStatus: simplified.Install,
		RunningStatus: status.RunningOf(snap.State),
		ProcessID:     snap.ProcessID,
		ExitCode:      snap.ExitCode,
		state:         snap.State,
	}
}

// statusString converts a manager state to a standard status string
func statusString(state svcctl.State) string {
	switch state {
	case svcctl.Running:
		return ServiceStatusRunning
	case svcctl.Stopped:
		return ServiceStatusStopped
	case svcctl.StartPending, svcctl.ContinuePending:
		return ServiceStatusStarting
	case svcctl.StopPending:
		return ServiceStatusStopping
	case svcctl.Paused, svcctl.PausePending:
		return ServiceStatusPaused
	case svcctl.NotFound:
		return ServiceStatusNotInstalled
	default:
		return ServiceStatusUnknown
	}
}

// WatchService manages the watcher registry. Actions are add, stop, resume
// and list; every action returns the registry afterwards.
func (e *Executor) WatchService(action, name string) ([]WatchedService, error) {
	if e.watcher == nil {
		return nil, ErrNoWatcher
	}

	switch action {
	case "add":
		if name == "" {
			return nil, fmt.Errorf("service_name is required")
		}
		if err := e.watcher.AddService(name); err != nil {
			return nil, fmt.Errorf("failed to watch service: %w", err)
		}
	case "stop":
		e.watcher.StopMonitoring()
	case "resume":
		e.watcher.ResumeMonitoring()
	case "list":
	default:
		return nil, fmt.Errorf("invalid action: %s (must be add, stop, resume, or list)", action)
	}

	return e.WatchedServices(), nil
}

// WatchedServices returns the watcher registry sorted by name
func (e *Executor) WatchedServices() []WatchedService {
	if e.watcher == nil {
		return nil
	}

	services := e.watcher.Services()
	out := make([]WatchedService, 0, len(services))
	for name, state := range services {
		out = append(out, WatchedService{
			Name:          name,
			State:         state.String(),
			RunningStatus: status.RunningOf(state),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// isServiceAllowed checks if a service is in the allowed list
func isServiceAllowed(name string, allowedServices []string) bool {
	for _, allowed := range allowedServices {
		if name == allowed {
			return true
		}
	}
	return false
}
