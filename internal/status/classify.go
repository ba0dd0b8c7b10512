// Package status projects raw service states onto the simplified install and
// running statuses reported to users.
//
// Classify and RunningOf disagree on purpose for Paused and ContinuePending;
// callers that need the combined view and callers that need only the running
// view keep getting the answers they always did.
package status

import "github.com/stone-age-io/svcwatch/internal/svcctl"

// InstallStatus reports whether a service is known to the manager.
type InstallStatus string

const (
	Installed      InstallStatus = "installed"
	InstallUnknown InstallStatus = "unknown"
)

// RunningStatus is the coarse running view of a service.
type RunningStatus string

const (
	Running        RunningStatus = "running"
	Stopped        RunningStatus = "stopped"
	Warning        RunningStatus = "warning"
	RunningUnknown RunningStatus = "unknown"
)

// Simplified pairs an install status with a running status.
type Simplified struct {
	Install InstallStatus `json:"install_status"`
	Running RunningStatus `json:"running_status"`
}

// Classify returns the combined projection of state.
func Classify(state svcctl.State) Simplified {
	switch state {
	case svcctl.StopPending, svcctl.PausePending, svcctl.Paused, svcctl.Running:
		return Simplified{Install: Installed, Running: Running}
	case svcctl.ContinuePending, svcctl.Stopped, svcctl.StartPending:
		return Simplified{Install: Installed, Running: Stopped}
	default:
		return Simplified{Install: InstallUnknown, Running: RunningUnknown}
	}
}

// RunningOf returns the running-only projection of state.
func RunningOf(state svcctl.State) RunningStatus {
	switch state {
	case svcctl.StopPending, svcctl.PausePending, svcctl.Running:
		return Running
	case svcctl.Stopped, svcctl.StartPending:
		return Stopped
	case svcctl.Paused, svcctl.ContinuePending:
		return Warning
	default:
		return RunningUnknown
	}
}
