package svcctl

import (
	"fmt"
	"time"
)

// State is the lifecycle state reported by the service manager.
// Values from Stopped through Paused match the Win32 SERVICE_* constants.
type State uint32

const (
	NotFound        State = 0
	Stopped         State = 1
	StartPending    State = 2
	StopPending     State = 3
	Running         State = 4
	ContinuePending State = 5
	PausePending    State = 6
	Paused          State = 7
	Unknown         State = 0xFF
)

var stateNames = map[State]string{
	NotFound:        "NotFound",
	Stopped:         "Stopped",
	StartPending:    "StartPending",
	StopPending:     "StopPending",
	Running:         "Running",
	ContinuePending: "ContinuePending",
	PausePending:    "PausePending",
	Paused:          "Paused",
	Unknown:         "Unknown",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", uint32(s))
}

// IsTerminal reports whether the state is one a control call settles into.
func (s State) IsTerminal() bool {
	return s == Stopped || s == Running
}

// IsPending reports whether the service is between terminal states.
func (s State) IsPending() bool {
	switch s {
	case StartPending, StopPending, ContinuePending, PausePending, Paused:
		return true
	}
	return false
}

// Opposite returns the terminal state the watcher waits for next.
// Anything that is not Running is treated as closer to Stopped.
func (s State) Opposite() State {
	if s == Running {
		return Stopped
	}
	return Running
}

// Snapshot is a single status reading. It is never cached.
type Snapshot struct {
	State            State
	CheckPoint       uint32
	WaitHint         time.Duration
	ControlsAccepted uint32
	ExitCode         uint32
	ProcessID        uint32
}

// Command is a control request sent to a running service.
type Command uint32

const (
	CommandStop     Command = 1
	CommandPause    Command = 2
	CommandContinue Command = 3
)

func (c Command) String() string {
	switch c {
	case CommandStop:
		return "stop"
	case CommandPause:
		return "pause"
	case CommandContinue:
		return "continue"
	default:
		return fmt.Sprintf("Command(%d)", uint32(c))
	}
}

// Rights is the access mask requested when opening a service.
type Rights uint32

const (
	RightQueryConfig  Rights = 0x0001
	RightChangeConfig Rights = 0x0002
	RightQueryStatus  Rights = 0x0004
	RightEnumerate    Rights = 0x0008
	RightStart        Rights = 0x0010
	RightStop         Rights = 0x0020
	RightPauseResume  Rights = 0x0040
	RightInterrogate  Rights = 0x0080
	RightUserControl  Rights = 0x0100
	RightDelete       Rights = 0x00010000
	rightsStandard    Rights = 0x000F0000

	RightAllAccess = rightsStandard | RightQueryConfig | RightChangeConfig |
		RightQueryStatus | RightEnumerate | RightStart | RightStop |
		RightPauseResume | RightInterrogate | RightUserControl
)

// ManagerRights is the access mask requested when connecting to the manager.
type ManagerRights uint32

const (
	ManagerConnect       ManagerRights = 0x0001
	ManagerCreateService ManagerRights = 0x0002
	ManagerEnumerate     ManagerRights = 0x0004
	ManagerAllAccess     ManagerRights = 0xF003F
)

// StartType controls when the manager launches a service.
type StartType uint32

const (
	StartAutomatic StartType = 2
	StartManual    StartType = 3
	StartDisabled  StartType = 4
)

// CreateConfig describes a service to register with the manager. Args are
// baked into the unit by systemd; the Windows control manager receives them
// at start time instead.
type CreateConfig struct {
	Name        string
	DisplayName string
	BinaryPath  string
	Args        []string
	StartType   StartType
}
