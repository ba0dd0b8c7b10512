//go:build windows

package svcctl

import (
	"errors"
	"fmt"
	"syscall"
	"time"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"
)

// scmFacility talks to the Windows Service Control Manager.
type scmFacility struct{}

// NewFacility returns the Service Control Manager facility.
func NewFacility() Facility {
	return scmFacility{}
}

type scmManager struct {
	m *mgr.Mgr
}

func (h *scmManager) Close() error {
	return h.m.Disconnect()
}

type scmService struct {
	s *mgr.Service
}

func (h *scmService) Close() error {
	return h.s.Close()
}

func (scmFacility) OpenManager(rights ManagerRights) (Handle, error) {
	// mgr.Connect always asks for full access; open with the requested rights instead.
	h, err := windows.OpenSCManager(nil, nil, uint32(rights))
	if err != nil {
		return nil, mapWin32Error(Classify(ErrConnection, err), err)
	}
	return &scmManager{m: &mgr.Mgr{Handle: h}}, nil
}

func (scmFacility) OpenService(manager Handle, name string, rights Rights) (Handle, error) {
	m, err := asManager(manager)
	if err != nil {
		return nil, err
	}
	namePtr, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, Classify(ErrNotFound, err)
	}
	h, err := windows.OpenService(m.Handle, namePtr, uint32(rights))
	if err != nil {
		return nil, mapWin32Error(Classify(ErrNotFound, err), err)
	}
	return &scmService{s: &mgr.Service{Name: name, Handle: h}}, nil
}

func (scmFacility) Create(manager Handle, cfg CreateConfig) (Handle, error) {
	m, err := asManager(manager)
	if err != nil {
		return nil, err
	}
	s, err := m.CreateService(cfg.Name, cfg.BinaryPath, mgr.Config{
		ServiceType:  windows.SERVICE_WIN32_OWN_PROCESS,
		StartType:    uint32(cfg.StartType),
		ErrorControl: mgr.ErrorNormal,
		DisplayName:  cfg.DisplayName,
	})
	if err != nil {
		return nil, mapWin32Error(err, err)
	}
	return &scmService{s: s}, nil
}

func (scmFacility) Delete(service Handle) error {
	s, err := asService(service)
	if err != nil {
		return err
	}
	if err := s.Delete(); err != nil {
		return mapWin32Error(err, err)
	}
	return nil
}

func (scmFacility) Control(service Handle, cmd Command) (Snapshot, error) {
	s, err := asService(service)
	if err != nil {
		return Snapshot{}, err
	}

	var c svc.Cmd
	switch cmd {
	case CommandStop:
		c = svc.Stop
	case CommandPause:
		c = svc.Pause
	case CommandContinue:
		c = svc.Continue
	default:
		return Snapshot{}, fmt.Errorf("%w: unknown command %s", ErrInvalidState, cmd)
	}

	status, err := s.Control(c)
	if err != nil {
		return Snapshot{}, mapWin32Error(err, err)
	}
	return snapshotOf(status), nil
}

func (scmFacility) Query(service Handle) (Snapshot, error) {
	s, err := asService(service)
	if err != nil {
		return Snapshot{}, err
	}
	status, err := s.Query()
	if err != nil {
		return Snapshot{}, mapWin32Error(err, err)
	}
	return snapshotOf(status), nil
}

func (scmFacility) Start(service Handle, args []string) error {
	s, err := asService(service)
	if err != nil {
		return err
	}
	if err := s.Start(args...); err != nil {
		return mapWin32Error(err, err)
	}
	return nil
}

func snapshotOf(status svc.Status) Snapshot {
	exitCode := status.Win32ExitCode
	if exitCode == uint32(windows.ERROR_SERVICE_SPECIFIC_ERROR) {
		exitCode = status.ServiceSpecificExitCode
	}
	return Snapshot{
		State:            State(status.State),
		CheckPoint:       status.CheckPoint,
		WaitHint:         time.Duration(status.WaitHint) * time.Millisecond,
		ControlsAccepted: uint32(status.Accepts),
		ExitCode:         exitCode,
		ProcessID:        status.ProcessId,
	}
}

// mapWin32Error translates well-known Win32 error codes into the package
// sentinels. Anything else is returned as fallback.
func mapWin32Error(fallback, err error) error {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return fallback
	}
	switch errno {
	case windows.ERROR_SERVICE_DOES_NOT_EXIST:
		return Classify(ErrNotFound, err)
	case windows.ERROR_ACCESS_DENIED:
		return Classify(ErrPermission, err)
	case windows.ERROR_INVALID_HANDLE, windows.ERROR_SERVICE_MARKED_FOR_DELETE:
		return Classify(ErrInvalidHandle, err)
	case windows.ERROR_SERVICE_CANNOT_ACCEPT_CTRL,
		windows.ERROR_SERVICE_NOT_ACTIVE,
		windows.ERROR_SERVICE_ALREADY_RUNNING:
		return Classify(ErrInvalidState, err)
	}
	return fallback
}

func asManager(h Handle) (*mgr.Mgr, error) {
	m, ok := h.(*scmManager)
	if !ok || m == nil || m.m == nil {
		return nil, fmt.Errorf("%w: not a manager handle", ErrInvalidHandle)
	}
	return m.m, nil
}

func asService(h Handle) (*mgr.Service, error) {
	s, ok := h.(*scmService)
	if !ok || s == nil || s.s == nil {
		return nil, fmt.Errorf("%w: not a service handle", ErrInvalidHandle)
	}
	return s.s, nil
}
