// Package watcher keeps a registry of services and runs one monitoring loop
// per service, telling subscribers whenever a service changes state.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"
	"vawter.tech/stopper"

	"github.com/stone-age-io/svcwatch/internal/status"
	"github.com/stone-age-io/svcwatch/internal/svcctl"
)

const (
	// DefaultMonitorTimeout bounds each wait for the opposite state.
	DefaultMonitorTimeout = 30 * time.Second

	// DefaultRetryInterval is the pause after a failed status query.
	DefaultRetryInterval = time.Second
)

// Observer receives state changes. It is called from the monitoring loop of
// the service that changed and must not call StopMonitoring or Close. A
// blocked observer holds up StopMonitoring until it returns.
type Observer func(name string, state svcctl.State)

type entry struct {
	name   string
	last   svcctl.State
	handle *svcctl.StatusHandle
	done   chan struct{}
}

// running reports whether the entry's loop has been launched and not exited.
func (e *entry) running() bool {
	if e.done == nil {
		return false
	}
	select {
	case <-e.done:
		return false
	default:
		return true
	}
}

// Watcher is the registry of monitored services.
type Watcher struct {
	binding *svcctl.Binding
	lookup  MetadataLookup
	logger  *zap.Logger
	clock   clock.Clock
	parent  context.Context

	monitorTimeout time.Duration
	retryInterval  time.Duration

	// opMu serializes AddService, StopMonitoring, ResumeMonitoring and Close.
	opMu sync.Mutex

	mu           sync.Mutex
	entries      map[string]*entry
	sctx         *stopper.Context
	observers    map[uint64]Observer
	nextObserver uint64
}

// Option configures a Watcher
type Option func(*Watcher)

// WithMonitorTimeout sets how long each loop waits for the opposite state
// before re-querying.
func WithMonitorTimeout(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.monitorTimeout = d
		}
	}
}

// WithRetryInterval sets the pause after a failed query
func WithRetryInterval(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.retryInterval = d
		}
	}
}

// WithClock replaces the clock used for retry pauses
func WithClock(c clock.Clock) Option {
	return func(w *Watcher) {
		w.clock = c
	}
}

// New creates a watcher whose loops live until ctx is cancelled or
// StopMonitoring is called. A nil lookup falls back to BindingLookup.
func New(ctx context.Context, binding *svcctl.Binding, lookup MetadataLookup, logger *zap.Logger, opts ...Option) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if lookup == nil {
		lookup = BindingLookup{Binding: binding}
	}
	w := &Watcher{
		binding:        binding,
		lookup:         lookup,
		logger:         logger,
		clock:          clock.WallClock,
		parent:         ctx,
		monitorTimeout: DefaultMonitorTimeout,
		retryInterval:  DefaultRetryInterval,
		entries:        make(map[string]*entry),
		sctx:           stopper.WithContext(ctx),
		observers:      make(map[uint64]Observer),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// AddService registers name and starts monitoring it. Services the lookup
// does not report as installed are refused with svcctl.ErrNotFound.
// Registering a name twice is tolerated: the entry's baseline is refreshed,
// but a loop that is still running keeps the service and no second loop is
// started.
func (w *Watcher) AddService(name string) error {
	w.opMu.Lock()
	defer w.opMu.Unlock()

	meta, err := w.lookup.Lookup(name)
	if err != nil {
		w.logger.Error("Failed to look up service metadata",
			zap.String("service", name),
			zap.Error(err))
		return fmt.Errorf("lookup %s: %w", name, err)
	}
	if meta.InstallStatus != status.Installed {
		w.logger.Error("Service is not installed, not monitoring",
			zap.String("service", name))
		return fmt.Errorf("%w: %s", svcctl.ErrNotFound, name)
	}

	w.mu.Lock()
	existing, duplicate := w.entries[name]
	w.mu.Unlock()

	if duplicate {
		w.logger.Info("Service already monitored", zap.String("service", name))
		w.mu.Lock()
		active := existing.running()
		stale := existing.handle
		if !active {
			existing.handle = nil
		}
		w.mu.Unlock()

		if active {
			snap, err := w.binding.QueryStatus(name)
			if err != nil {
				w.logger.Warn("Failed to refresh service state",
					zap.String("service", name),
					zap.Error(err))
				return nil
			}
			w.mu.Lock()
			existing.last = snap.State
			w.mu.Unlock()
			return nil
		}
		if stale != nil {
			_ = stale.Close()
		}
	}

	h, err := w.binding.OpenStatus(name)
	if err != nil {
		w.logger.Error("Failed to open service for monitoring",
			zap.String("service", name),
			zap.Error(err))
		return err
	}
	snap, err := h.Query()
	if err != nil {
		_ = h.Close()
		w.logger.Error("Failed to query initial service state",
			zap.String("service", name),
			zap.Error(err))
		return err
	}

	e := &entry{name: name, last: snap.State, handle: h}

	w.mu.Lock()
	w.entries[name] = e
	w.launch(e)
	w.mu.Unlock()

	w.logger.Info("Monitoring service",
		zap.String("service", name),
		zap.String("version", meta.Version),
		zap.Stringer("state", snap.State))
	return nil
}

// launch starts the monitoring loop for e. Callers hold w.mu. Entries added
// while monitoring is stopped wait for ResumeMonitoring.
func (w *Watcher) launch(e *entry) {
	if w.sctx.IsStopping() {
		return
	}
	done := make(chan struct{})
	e.done = done
	accepted := w.sctx.Go(func(sctx *stopper.Context) error {
		defer close(done)
		w.monitor(sctx, e)
		return nil
	})
	if !accepted {
		close(done)
	}
}

func (w *Watcher) monitor(sctx *stopper.Context, e *entry) {
	log := w.logger.With(zap.String("service", e.name))

	for !sctx.IsStopping() {
		w.mu.Lock()
		last := e.last
		h := e.handle
		w.mu.Unlock()

		snap, err := h.Query()
		if err != nil {
			if handleGone(err) {
				log.Error("Service handle is no longer valid, stopping monitoring", zap.Error(err))
				w.dropHandle(e)
				return
			}
			log.Warn("Failed to query service state", zap.Error(err))
			if !w.pause(sctx) {
				return
			}
			continue
		}

		current := snap.State
		if current != last {
			w.mu.Lock()
			e.last = current
			w.mu.Unlock()

			log.Info("Service state changed",
				zap.Stringer("from", last),
				zap.Stringer("to", current))
			w.notify(sctx, e.name, current)
		}

		_, err = h.WaitFor(current.Opposite(), w.monitorTimeout, sctx.Stopping())
		switch {
		case err == nil:
		case errors.Is(err, svcctl.ErrStopped):
			return
		case errors.Is(err, svcctl.ErrTimeout):
			log.Debug("No state change within monitor timeout",
				zap.Stringer("state", current),
				zap.Duration("timeout", w.monitorTimeout))
		case handleGone(err):
			log.Error("Service handle is no longer valid, stopping monitoring", zap.Error(err))
			w.dropHandle(e)
			return
		default:
			log.Warn("Failed waiting for service state", zap.Error(err))
			if !w.pause(sctx) {
				return
			}
		}
	}
}

func handleGone(err error) bool {
	return errors.Is(err, svcctl.ErrInvalidHandle) || errors.Is(err, svcctl.ErrNotFound)
}

// pause sleeps for the retry interval and reports false if the watcher is
// stopping.
func (w *Watcher) pause(sctx *stopper.Context) bool {
	select {
	case <-sctx.Stopping():
		return false
	case <-w.clock.After(w.retryInterval):
		return true
	}
}

func (w *Watcher) dropHandle(e *entry) {
	w.mu.Lock()
	h := e.handle
	e.handle = nil
	w.mu.Unlock()

	if h != nil {
		if err := h.Close(); err != nil {
			w.logger.Debug("Failed to close service handle",
				zap.String("service", e.name),
				zap.Error(err))
		}
	}
}

func (w *Watcher) notify(sctx *stopper.Context, name string, state svcctl.State) {
	if sctx.IsStopping() {
		return
	}

	w.mu.Lock()
	ids := make([]uint64, 0, len(w.observers))
	for id := range w.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	observers := make([]Observer, 0, len(ids))
	for _, id := range ids {
		observers = append(observers, w.observers[id])
	}
	w.mu.Unlock()

	for _, fn := range observers {
		if sctx.IsStopping() {
			return
		}
		w.deliver(fn, name, state)
	}
}

func (w *Watcher) deliver(fn Observer, name string, state svcctl.State) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Observer panicked",
				zap.String("service", name),
				zap.Any("panic", r))
		}
	}()
	fn(name, state)
}

// Subscribe registers fn for state changes and returns a function that
// removes it again.
func (w *Watcher) Subscribe(fn Observer) (unsubscribe func()) {
	w.mu.Lock()
	id := w.nextObserver
	w.nextObserver++
	w.observers[id] = fn
	w.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			delete(w.observers, id)
			w.mu.Unlock()
		})
	}
}

// StopMonitoring stops every loop and blocks until all of them have exited.
// No notification is delivered after it returns.
func (w *Watcher) StopMonitoring() {
	w.opMu.Lock()
	defer w.opMu.Unlock()
	w.stopLocked()
}

// stopLocked joins on every loop's done channel; the stopper's Wait returns
// early once the parent context is cancelled.
func (w *Watcher) stopLocked() {
	w.mu.Lock()
	sctx := w.sctx
	loops := make([]chan struct{}, 0, len(w.entries))
	for _, e := range w.entries {
		if e.done != nil {
			loops = append(loops, e.done)
		}
	}
	w.mu.Unlock()

	sctx.Stop(0)
	for _, done := range loops {
		<-done
	}
	if err := sctx.Wait(); err != nil {
		w.logger.Warn("Monitoring loops exited with error", zap.Error(err))
	}
	w.logger.Info("Monitoring stopped")
}

// ResumeMonitoring restarts monitoring after StopMonitoring. Every entry
// whose loop has exited is relaunched; its handle is reopened if it was
// released.
func (w *Watcher) ResumeMonitoring() {
	w.opMu.Lock()
	defer w.opMu.Unlock()

	w.mu.Lock()
	if w.sctx.IsStopping() {
		w.sctx = stopper.WithContext(w.parent)
	}
	var idle []*entry
	for _, e := range w.entries {
		if !e.running() {
			idle = append(idle, e)
		}
	}
	w.mu.Unlock()

	relaunched := 0
	for _, e := range idle {
		w.mu.Lock()
		h := e.handle
		w.mu.Unlock()

		if h == nil {
			reopened, err := w.binding.OpenStatus(e.name)
			if err != nil {
				w.logger.Error("Failed to reopen service, not resuming",
					zap.String("service", e.name),
					zap.Error(err))
				continue
			}
			w.mu.Lock()
			e.handle = reopened
			w.mu.Unlock()
		}

		w.mu.Lock()
		w.launch(e)
		w.mu.Unlock()
		relaunched++
	}

	w.logger.Info("Monitoring resumed", zap.Int("services", relaunched))
}

// Services returns the last known state of every registered service.
func (w *Watcher) Services() map[string]svcctl.State {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make(map[string]svcctl.State, len(w.entries))
	for name, e := range w.entries {
		out[name] = e.last
	}
	return out
}

// Close stops monitoring and releases every handle.
func (w *Watcher) Close() {
	w.opMu.Lock()
	defer w.opMu.Unlock()

	w.stopLocked()

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, e := range w.entries {
		if e.handle != nil {
			_ = e.handle.Close()
			e.handle = nil
		}
	}
}
