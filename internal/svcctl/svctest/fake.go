// Package svctest provides an in-memory service manager for tests.
package svctest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/stone-age-io/svcwatch/internal/svcctl"
)

// ErrClosed is returned when a closed handle is used.
var ErrClosed = errors.New("svctest: handle already closed")

type service struct {
	name     string
	config   svcctl.CreateConfig
	current  svcctl.Snapshot
	script   []svcctl.Snapshot
	startSeq []svcctl.Snapshot
	stopSeq  []svcctl.Snapshot

	startErr   error
	controlErr error
	deleteErr  error
	queryErr   error

	deleted bool
}

type handle struct {
	f       *Facility
	svc     *service
	manager bool
	closed  bool
}

func (h *handle) Close() error {
	h.f.mu.Lock()
	defer h.f.mu.Unlock()

	if h.closed {
		return ErrClosed
	}
	h.closed = true
	h.f.closed++
	return nil
}

// Facility is a concurrency-safe svcctl.Facility backed by a map. Query
// replays scripted snapshots first and then keeps reporting the last one.
type Facility struct {
	mu       sync.Mutex
	services map[string]*service
	calls    []string

	connectErr  error
	opened      int
	closed      int
	lastPID     uint32
	createStart map[string][]svcctl.Snapshot
}

var _ svcctl.Facility = (*Facility)(nil)

// New returns an empty facility.
func New() *Facility {
	return &Facility{
		services:    make(map[string]*service),
		createStart: make(map[string][]svcctl.Snapshot),
	}
}

// Add registers a service in the given state.
func (f *Facility) Add(name string, state svcctl.State) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.services[name] = &service{
		name:    name,
		config:  svcctl.CreateConfig{Name: name},
		current: svcctl.Snapshot{State: state},
	}
}

// SetState changes the state as if another program controlled the service.
func (f *Facility) SetState(name string, state svcctl.State) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if s, ok := f.services[name]; ok {
		s.script = nil
		s.current = svcctl.Snapshot{State: state}
	}
}

// Script queues snapshots returned by the next queries.
func (f *Facility) Script(name string, snaps ...svcctl.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if s, ok := f.services[name]; ok {
		s.script = append(s.script, snaps...)
	}
}

// OnStart replaces the default Start behavior (immediately Running) with a
// scripted sequence of snapshots.
func (f *Facility) OnStart(name string, snaps ...svcctl.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if s, ok := f.services[name]; ok {
		s.startSeq = snaps
	}
}

// OnCreate sets the start script a service will carry once Create registers
// it, as OnStart does for services that already exist.
func (f *Facility) OnCreate(name string, snaps ...svcctl.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.createStart[name] = snaps
}

// OnStop replaces the default stop behavior (immediately Stopped).
func (f *Facility) OnStop(name string, snaps ...svcctl.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if s, ok := f.services[name]; ok {
		s.stopSeq = snaps
	}
}

// FailConnect makes OpenManager fail with err.
func (f *Facility) FailConnect(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
}

// FailStart makes Start fail with err and leaves the state untouched.
func (f *Facility) FailStart(name string, err error) {
	f.withService(name, func(s *service) { s.startErr = err })
}

// FailControl makes Control fail with err and leaves the state untouched.
func (f *Facility) FailControl(name string, err error) {
	f.withService(name, func(s *service) { s.controlErr = err })
}

// FailDelete makes Delete fail with err.
func (f *Facility) FailDelete(name string, err error) {
	f.withService(name, func(s *service) { s.deleteErr = err })
}

// FailQuery makes Query fail with err until cleared with a nil err.
func (f *Facility) FailQuery(name string, err error) {
	f.withService(name, func(s *service) { s.queryErr = err })
}

// Remove deletes the service behind everyone's back. Open handles become invalid.
func (f *Facility) Remove(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if s, ok := f.services[name]; ok {
		s.deleted = true
		delete(f.services, name)
	}
}

func (f *Facility) withService(name string, fn func(*service)) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if s, ok := f.services[name]; ok {
		fn(s)
	}
}

// State returns the current state and whether the service exists.
func (f *Facility) State(name string) (svcctl.State, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.services[name]
	if !ok {
		return svcctl.NotFound, false
	}
	return s.current.State, true
}

// Config returns the configuration the service was created with.
func (f *Facility) Config(name string) (svcctl.CreateConfig, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.services[name]
	if !ok {
		return svcctl.CreateConfig{}, false
	}
	return s.config, true
}

// Calls returns the mutating calls made so far, as "op name" strings.
func (f *Facility) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// Outstanding returns the number of handles opened and not yet closed.
func (f *Facility) Outstanding() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened - f.closed
}

// Opened returns the number of handles handed out.
func (f *Facility) Opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

func (f *Facility) newHandle(s *service) *handle {
	f.opened++
	return &handle{f: f, svc: s, manager: s == nil}
}

func (f *Facility) record(op, name string) {
	f.calls = append(f.calls, op+" "+name)
}

func (f *Facility) OpenManager(svcctl.ManagerRights) (svcctl.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.connectErr != nil {
		return nil, svcctl.Classify(svcctl.ErrConnection, f.connectErr)
	}
	return f.newHandle(nil), nil
}

func (f *Facility) OpenService(manager svcctl.Handle, name string, _ svcctl.Rights) (svcctl.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := f.managerOf(manager); err != nil {
		return nil, err
	}
	s, ok := f.services[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", svcctl.ErrNotFound, name)
	}
	return f.newHandle(s), nil
}

func (f *Facility) Create(manager svcctl.Handle, cfg svcctl.CreateConfig) (svcctl.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := f.managerOf(manager); err != nil {
		return nil, err
	}
	if cfg.Name == "" || cfg.BinaryPath == "" {
		return nil, fmt.Errorf("svctest: name and binary path are required")
	}
	s := &service{
		name:     cfg.Name,
		config:   cfg,
		current:  svcctl.Snapshot{State: svcctl.Stopped},
		startSeq: f.createStart[cfg.Name],
	}
	f.services[cfg.Name] = s
	f.record("create", cfg.Name)
	return f.newHandle(s), nil
}

func (f *Facility) Delete(h svcctl.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, err := f.serviceOf(h)
	if err != nil {
		return err
	}
	f.record("delete", s.name)
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.deleted = true
	delete(f.services, s.name)
	return nil
}

func (f *Facility) Control(h svcctl.Handle, cmd svcctl.Command) (svcctl.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, err := f.serviceOf(h)
	if err != nil {
		return svcctl.Snapshot{}, err
	}
	f.record(cmd.String(), s.name)
	if s.controlErr != nil {
		return svcctl.Snapshot{}, s.controlErr
	}

	switch cmd {
	case svcctl.CommandStop:
		if s.current.State == svcctl.Stopped {
			return svcctl.Snapshot{}, fmt.Errorf("%w: %s is not active", svcctl.ErrInvalidState, s.name)
		}
		if len(s.stopSeq) > 0 {
			s.script = append([]svcctl.Snapshot(nil), s.stopSeq...)
		} else {
			s.script = nil
			s.current = svcctl.Snapshot{State: svcctl.Stopped}
		}
	case svcctl.CommandPause:
		s.current = svcctl.Snapshot{State: svcctl.Paused}
	case svcctl.CommandContinue:
		s.current = svcctl.Snapshot{State: svcctl.Running}
	}
	return s.current, nil
}

func (f *Facility) Query(h svcctl.Handle) (svcctl.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, err := f.serviceOf(h)
	if err != nil {
		return svcctl.Snapshot{}, err
	}
	if s.queryErr != nil {
		return svcctl.Snapshot{}, s.queryErr
	}
	if len(s.script) > 0 {
		s.current = s.script[0]
		s.script = s.script[1:]
	}
	return s.current, nil
}

func (f *Facility) Start(h svcctl.Handle, args []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, err := f.serviceOf(h)
	if err != nil {
		return err
	}
	f.record("start", s.name)
	if s.startErr != nil {
		return s.startErr
	}
	if s.current.State == svcctl.Running {
		return fmt.Errorf("%w: %s is already running", svcctl.ErrInvalidState, s.name)
	}
	if len(s.startSeq) > 0 {
		s.script = append([]svcctl.Snapshot(nil), s.startSeq...)
	} else {
		s.script = nil
		f.lastPID++
		s.current = svcctl.Snapshot{State: svcctl.Running, ProcessID: 1000 + f.lastPID}
	}
	return nil
}

func (f *Facility) managerOf(h svcctl.Handle) (*handle, error) {
	m, ok := h.(*handle)
	if !ok || m == nil || !m.manager {
		return nil, fmt.Errorf("%w: not a manager handle", svcctl.ErrInvalidHandle)
	}
	if m.closed {
		return nil, ErrClosed
	}
	return m, nil
}

func (f *Facility) serviceOf(h svcctl.Handle) (*service, error) {
	sh, ok := h.(*handle)
	if !ok || sh == nil || sh.manager {
		return nil, fmt.Errorf("%w: not a service handle", svcctl.ErrInvalidHandle)
	}
	if sh.closed {
		return nil, ErrClosed
	}
	if sh.svc.deleted {
		return nil, fmt.Errorf("%w: %s was deleted", svcctl.ErrInvalidHandle, sh.svc.name)
	}
	return sh.svc, nil
}
