// Package svcctl binds to the operating system's service manager. Every
// operation opens the handles it needs with the minimal rights, releases them
// before returning, and waits for the service to settle in the requested state.
package svcctl

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"
)

// DefaultWait bounds StartAndWait and StopAndWait when no wait is given.
const DefaultWait = 60 * time.Second

// Binding issues control calls through a Facility.
type Binding struct {
	facility     Facility
	logger       *zap.Logger
	clock        clock.Clock
	defaultWait  time.Duration
	pollInterval time.Duration
}

// Option configures a Binding
type Option func(*Binding)

// WithClock replaces the wall clock used by the wait loops
func WithClock(c clock.Clock) Option {
	return func(b *Binding) {
		b.clock = c
	}
}

// WithDefaultWait sets the bound used when StartAndWait/StopAndWait get no wait
func WithDefaultWait(d time.Duration) Option {
	return func(b *Binding) {
		b.defaultWait = d
	}
}

// WithPollInterval sets how often bounded waits re-query the manager
func WithPollInterval(d time.Duration) Option {
	return func(b *Binding) {
		b.pollInterval = d
	}
}

// New creates a Binding over the given facility.
func New(facility Facility, logger *zap.Logger, opts ...Option) *Binding {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Binding{
		facility:     facility,
		logger:       logger,
		clock:        clock.WallClock,
		defaultWait:  DefaultWait,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.defaultWait <= 0 {
		b.defaultWait = DefaultWait
	}
	if b.pollInterval <= 0 {
		b.pollInterval = DefaultPollInterval
	}
	return b
}

// NewDefault creates a Binding over the platform's service manager.
func NewDefault(logger *zap.Logger, opts ...Option) *Binding {
	return New(NewFacility(), logger, opts...)
}

func (b *Binding) release(h Handle, kind, name string) {
	if err := h.Close(); err != nil {
		b.logger.Warn("Failed to close handle",
			zap.String("kind", kind),
			zap.String("service", name),
			zap.Error(err))
	}
}

// OpenManager connects to the service manager.
func (b *Binding) OpenManager(rights ManagerRights) (Handle, error) {
	m, err := b.facility.OpenManager(rights)
	if err != nil {
		return nil, opError("connect", "", Classify(ErrConnection, err))
	}
	return m, nil
}

// OpenService opens a service through an already connected manager handle.
func (b *Binding) OpenService(manager Handle, name string, rights Rights) (Handle, error) {
	s, err := b.facility.OpenService(manager, name, rights)
	if err != nil {
		return nil, opError("open", name, err)
	}
	return s, nil
}

// Install registers the service if it does not exist yet, then starts it and
// waits for it to run. A failure to start is returned, not swallowed.
func (b *Binding) Install(name, displayName, binaryPath string, args ...string) error {
	b.logger.Info("Installing service",
		zap.String("service", name),
		zap.String("display_name", displayName),
		zap.String("binary", binaryPath))

	m, err := b.OpenManager(ManagerAllAccess)
	if err != nil {
		return err
	}
	defer b.release(m, "manager", name)

	s, err := b.facility.OpenService(m, name, RightAllAccess)
	if err != nil {
		s, err = b.facility.Create(m, CreateConfig{
			Name:        name,
			DisplayName: displayName,
			BinaryPath:  binaryPath,
			Args:        args,
			StartType:   StartAutomatic,
		})
		if err != nil {
			return opError("install", name, Classify(ErrInstall, err))
		}
		b.logger.Info("Service created", zap.String("service", name))
	} else {
		b.logger.Info("Service already registered, starting existing service",
			zap.String("service", name))
	}
	defer b.release(s, "service", name)

	if err := b.start(s, args); err != nil {
		return opError("install", name, err)
	}

	b.logger.Info("Service installed and running", zap.String("service", name))
	return nil
}

// Uninstall stops the service if it is active and deletes it. Stop failures
// are logged and do not prevent the deletion.
func (b *Binding) Uninstall(name string) error {
	b.logger.Info("Uninstalling service", zap.String("service", name))

	m, err := b.OpenManager(ManagerAllAccess)
	if err != nil {
		return err
	}
	defer b.release(m, "manager", name)

	s, err := b.OpenService(m, name, RightAllAccess)
	if err != nil {
		return err
	}
	defer b.release(s, "service", name)

	snap, err := b.facility.Query(s)
	switch {
	case err != nil:
		b.logger.Warn("Failed to query service before uninstall",
			zap.String("service", name),
			zap.Error(err))
	case snap.State != Stopped:
		if err := b.stop(s); err != nil {
			b.logger.Warn("Failed to stop service before uninstall, deleting anyway",
				zap.String("service", name),
				zap.Stringer("state", snap.State),
				zap.Error(err))
		}
	}

	if err := b.facility.Delete(s); err != nil {
		return opError("delete", name, Classify(ErrPermission, err))
	}

	b.logger.Info("Service uninstalled", zap.String("service", name))
	return nil
}

// Start starts the service and waits for it to leave StartPending.
func (b *Binding) Start(name string, args ...string) error {
	m, err := b.OpenManager(ManagerConnect)
	if err != nil {
		return err
	}
	defer b.release(m, "manager", name)

	s, err := b.facility.OpenService(m, name, RightQueryStatus|RightStart)
	if err != nil {
		return opError("start", name, Classify(ErrNotFound, err))
	}
	defer b.release(s, "service", name)

	return opError("start", name, b.start(s, args))
}

// Stop asks the service to stop and waits for it to leave StopPending.
func (b *Binding) Stop(name string) error {
	m, err := b.OpenManager(ManagerConnect)
	if err != nil {
		return err
	}
	defer b.release(m, "manager", name)

	s, err := b.facility.OpenService(m, name, RightQueryStatus|RightStop)
	if err != nil {
		return opError("stop", name, Classify(ErrNotFound, err))
	}
	defer b.release(s, "service", name)

	return opError("stop", name, b.stop(s))
}

func (b *Binding) start(s Handle, args []string) error {
	// A start request against a running service fails on some platforms; the
	// wait below decides the outcome.
	startErr := b.facility.Start(s, args)
	if startErr != nil {
		b.logger.Debug("Start request returned an error", zap.Error(startErr))
	}

	final, ok := b.waitForStatus(s, StartPending, Running)
	if ok {
		return nil
	}
	if startErr != nil {
		return startErr
	}
	return fmt.Errorf("%w: service is %s", ErrTimeout, final)
}

func (b *Binding) stop(s Handle) error {
	_, ctlErr := b.facility.Control(s, CommandStop)
	if ctlErr != nil {
		b.logger.Debug("Stop control returned an error", zap.Error(ctlErr))
	}

	final, ok := b.waitForStatus(s, StopPending, Stopped)
	if ok {
		return nil
	}
	if ctlErr != nil {
		return ctlErr
	}
	return fmt.Errorf("%w: service is %s", ErrTimeout, final)
}

// GetStatus returns the state reported by a single query. A service that
// cannot be opened is reported as NotFound rather than as an error.
func (b *Binding) GetStatus(name string) (State, error) {
	m, err := b.OpenManager(ManagerConnect)
	if err != nil {
		return Unknown, err
	}
	defer b.release(m, "manager", name)

	s, err := b.facility.OpenService(m, name, RightQueryStatus)
	if err != nil {
		return NotFound, nil
	}
	defer b.release(s, "service", name)

	snap, err := b.facility.Query(s)
	if err != nil {
		return Unknown, opError("query", name, err)
	}
	return snap.State, nil
}

// QueryStatus returns a full snapshot, or ErrNotFound when the service is absent.
func (b *Binding) QueryStatus(name string) (Snapshot, error) {
	m, err := b.OpenManager(ManagerConnect)
	if err != nil {
		return Snapshot{State: Unknown}, err
	}
	defer b.release(m, "manager", name)

	s, err := b.OpenService(m, name, RightQueryStatus)
	if err != nil {
		return Snapshot{State: NotFound}, err
	}
	defer b.release(s, "service", name)

	snap, err := b.facility.Query(s)
	if err != nil {
		return Snapshot{State: Unknown}, opError("query", name, err)
	}
	return snap, nil
}

// IsInstalled reports whether the manager knows the service.
func (b *Binding) IsInstalled(name string) (bool, error) {
	m, err := b.OpenManager(ManagerConnect)
	if err != nil {
		return false, err
	}
	defer b.release(m, "manager", name)

	s, err := b.facility.OpenService(m, name, RightQueryStatus)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, opError("open", name, err)
	}
	b.release(s, "service", name)
	return true, nil
}

// StartAndWait starts a stopped service and waits up to wait for it to run.
// It reports true when the service is running afterwards. A service in any
// other state than Stopped or Running is left alone and reported as false.
func (b *Binding) StartAndWait(name string, wait time.Duration) bool {
	b.logger.Info("Starting service", zap.String("service", name))
	return b.transition(name, "start", RightQueryStatus|RightStart, Stopped, Running, wait,
		func(s Handle) error { return b.facility.Start(s, nil) })
}

// StopAndWait stops a running service and waits up to wait for it to stop.
func (b *Binding) StopAndWait(name string, wait time.Duration) bool {
	b.logger.Info("Stopping service", zap.String("service", name))
	return b.transition(name, "stop", RightQueryStatus|RightStop, Running, Stopped, wait,
		func(s Handle) error {
			_, err := b.facility.Control(s, CommandStop)
			return err
		})
}

func (b *Binding) transition(name, verb string, rights Rights, from, to State, wait time.Duration, issue func(Handle) error) bool {
	if wait <= 0 {
		wait = b.defaultWait
	}

	m, err := b.OpenManager(ManagerConnect)
	if err != nil {
		b.logger.Error("Error controlling service",
			zap.String("service", name),
			zap.String("action", verb),
			zap.Error(err))
		return false
	}
	defer b.release(m, "manager", name)

	s, err := b.facility.OpenService(m, name, rights)
	if err != nil {
		b.logger.Error("Error controlling service",
			zap.String("service", name),
			zap.String("action", verb),
			zap.Error(err))
		return false
	}
	defer b.release(s, "service", name)

	snap, err := b.facility.Query(s)
	if err != nil {
		b.logger.Error("Error querying service",
			zap.String("service", name),
			zap.String("action", verb),
			zap.Error(err))
		return false
	}

	switch snap.State {
	case to:
		b.logger.Info("Service already in requested state",
			zap.String("service", name),
			zap.Stringer("state", to))
		return true
	case from:
	default:
		b.logger.Info("Service not in a state that allows this action",
			zap.String("service", name),
			zap.String("action", verb),
			zap.Stringer("state", snap.State))
		return false
	}

	if err := issue(s); err != nil {
		b.logger.Error("Error controlling service",
			zap.String("service", name),
			zap.String("action", verb),
			zap.Error(err))
		return false
	}

	if _, err := b.waitFor(s, to, wait, nil); err != nil {
		b.logger.Error("Service did not reach requested state",
			zap.String("service", name),
			zap.Stringer("state", to),
			zap.Duration("wait", wait),
			zap.Error(err))
		return false
	}

	b.logger.Info("Service reached requested state",
		zap.String("service", name),
		zap.Stringer("state", to))
	return true
}

// StatusHandle keeps a service open for repeated queries. It is used by
// long-running observers that poll the same service.
type StatusHandle struct {
	binding *Binding
	name    string
	manager Handle
	service Handle

	closeOnce sync.Once
	closeErr  error
}

// OpenStatus opens name with query rights and keeps the handles until Close.
func (b *Binding) OpenStatus(name string) (*StatusHandle, error) {
	m, err := b.OpenManager(ManagerConnect)
	if err != nil {
		return nil, err
	}

	s, err := b.OpenService(m, name, RightQueryStatus)
	if err != nil {
		b.release(m, "manager", name)
		return nil, err
	}

	return &StatusHandle{
		binding: b,
		name:    name,
		manager: m,
		service: s,
	}, nil
}

// Name returns the service name the handle refers to.
func (h *StatusHandle) Name() string {
	return h.name
}

// Query reads the current status.
func (h *StatusHandle) Query() (Snapshot, error) {
	snap, err := h.binding.facility.Query(h.service)
	if err != nil {
		return Snapshot{State: Unknown}, opError("query", h.name, err)
	}
	return snap, nil
}

// WaitFor polls until the service reports desired, the timeout elapses
// (ErrTimeout) or stop is closed (ErrStopped).
func (h *StatusHandle) WaitFor(desired State, timeout time.Duration, stop <-chan struct{}) (State, error) {
	state, err := h.binding.waitFor(h.service, desired, timeout, stop)
	if err != nil {
		return state, opError("wait", h.name, err)
	}
	return state, nil
}

// Close releases the service handle and then the manager handle.
func (h *StatusHandle) Close() error {
	h.closeOnce.Do(func() {
		serr := h.service.Close()
		merr := h.manager.Close()
		h.closeErr = errors.Join(serr, merr)
	})
	return h.closeErr
}
