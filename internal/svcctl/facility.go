package svcctl

// Handle is an open reference to the service manager or to a single service.
// Whoever opens a handle owns it and must close it.
type Handle interface {
	Close() error
}

// Facility is the narrow view of the operating system's service manager.
// Implementations translate platform failures into the package sentinels
// (ErrConnection, ErrNotFound, ErrPermission, ErrInvalidHandle, ErrInvalidState)
// with Classify so callers can test them with errors.Is.
//
// Platform implementations:
//   - Windows: facility_windows.go (Service Control Manager)
//   - Linux:   facility_linux.go (systemd over D-Bus)
//   - Stub:    facility_stub.go (unsupported platforms)
type Facility interface {
	OpenManager(rights ManagerRights) (Handle, error)
	OpenService(manager Handle, name string, rights Rights) (Handle, error)
	Create(manager Handle, cfg CreateConfig) (Handle, error)
	Delete(service Handle) error
	Control(service Handle, cmd Command) (Snapshot, error)
	Query(service Handle) (Snapshot, error)
	Start(service Handle, args []string) error
}
