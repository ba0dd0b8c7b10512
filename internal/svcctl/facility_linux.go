//go:build linux

package svcctl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/google/renameio/v2"
)

const (
	// UnitDir is where Create writes unit files.
	UnitDir = "/etc/systemd/system"

	dbusCallTimeout = 30 * time.Second
	maxWaitHint     = time.Hour

	// defaultJobWait matches systemd's DefaultTimeoutStartSec.
	defaultJobWait = 90 * time.Second
)

// systemdFacility drives systemd over D-Bus.
type systemdFacility struct {
	unitDir string
}

// NewFacility returns the systemd facility.
func NewFacility() Facility {
	return &systemdFacility{unitDir: UnitDir}
}

type systemdManager struct {
	conn *dbus.Conn
}

func (h *systemdManager) Close() error {
	h.conn.Close()
	return nil
}

// systemdUnit borrows the manager's connection; closing it releases nothing.
type systemdUnit struct {
	conn *dbus.Conn
	unit string
}

func (h *systemdUnit) Close() error {
	return nil
}

func unitName(name string) string {
	if strings.Contains(name, ".") {
		return name
	}
	return name + ".service"
}

func callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), dbusCallTimeout)
}

func (f *systemdFacility) OpenManager(rights ManagerRights) (Handle, error) {
	ctx, cancel := callContext()
	defer cancel()

	conn, err := dbus.NewWithContext(ctx)
	if err != nil {
		return nil, Classify(ErrConnection, err)
	}
	return &systemdManager{conn: conn}, nil
}

func (f *systemdFacility) OpenService(manager Handle, name string, rights Rights) (Handle, error) {
	m, ok := manager.(*systemdManager)
	if !ok || m == nil {
		return nil, fmt.Errorf("%w: not a manager handle", ErrInvalidHandle)
	}

	unit := unitName(name)
	loaded, err := unitLoaded(m.conn, unit)
	if err != nil {
		return nil, mapDBusError(ErrNotFound, err)
	}
	if !loaded {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, unit)
	}
	return &systemdUnit{conn: m.conn, unit: unit}, nil
}

func unitLoaded(conn *dbus.Conn, unit string) (bool, error) {
	ctx, cancel := callContext()
	defer cancel()

	prop, err := conn.GetUnitPropertyContext(ctx, unit, "LoadState")
	if err != nil {
		return false, err
	}
	state, _ := prop.Value.Value().(string)
	return state != "not-found", nil
}

func (f *systemdFacility) Create(manager Handle, cfg CreateConfig) (Handle, error) {
	m, ok := manager.(*systemdManager)
	if !ok || m == nil {
		return nil, fmt.Errorf("%w: not a manager handle", ErrInvalidHandle)
	}

	unit := unitName(cfg.Name)
	path := filepath.Join(f.unitDir, unit)
	if err := renameio.WriteFile(path, renderUnit(cfg), 0o644); err != nil {
		return nil, Classify(ErrPermission, fmt.Errorf("write unit file %s: %w", path, err))
	}

	ctx, cancel := callContext()
	defer cancel()

	if err := m.conn.ReloadContext(ctx); err != nil {
		return nil, mapDBusError(ErrInstall, fmt.Errorf("daemon reload: %w", err))
	}
	if cfg.StartType == StartAutomatic {
		const runtime, force = false, true
		if _, _, err := m.conn.EnableUnitFilesContext(ctx, []string{path}, runtime, force); err != nil {
			return nil, mapDBusError(ErrInstall, fmt.Errorf("enable %s: %w", unit, err))
		}
	}
	return &systemdUnit{conn: m.conn, unit: unit}, nil
}

// renderUnit produces a minimal unit file for a long-running binary.
func renderUnit(cfg CreateConfig) []byte {
	description := cfg.DisplayName
	if description == "" {
		description = cfg.Name
	}

	exec := make([]string, 0, len(cfg.Args)+1)
	exec = append(exec, strconv.Quote(cfg.BinaryPath))
	for _, arg := range cfg.Args {
		exec = append(exec, strconv.Quote(arg))
	}

	var b strings.Builder
	b.WriteString("[Unit]\n")
	fmt.Fprintf(&b, "Description=%s\n\n", description)
	b.WriteString("[Service]\n")
	b.WriteString("Type=simple\n")
	fmt.Fprintf(&b, "ExecStart=%s\n", strings.Join(exec, " "))
	b.WriteString("Restart=on-failure\n\n")
	b.WriteString("[Install]\n")
	b.WriteString("WantedBy=multi-user.target\n")
	return []byte(b.String())
}

func (f *systemdFacility) Delete(service Handle) error {
	u, err := asUnit(service)
	if err != nil {
		return err
	}

	ctx, cancel := callContext()
	defer cancel()

	if _, err := u.conn.DisableUnitFilesContext(ctx, []string{u.unit}, false); err != nil {
		return mapDBusError(ErrPermission, fmt.Errorf("disable %s: %w", u.unit, err))
	}

	prop, err := u.conn.GetUnitPropertyContext(ctx, u.unit, "FragmentPath")
	if err != nil {
		return mapDBusError(ErrInvalidHandle, err)
	}
	if path, _ := prop.Value.Value().(string); path != "" {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Classify(ErrPermission, fmt.Errorf("remove unit file %s: %w", path, err))
		}
	}

	if err := u.conn.ReloadContext(ctx); err != nil {
		return mapDBusError(ErrPermission, fmt.Errorf("daemon reload: %w", err))
	}
	return nil
}

func (f *systemdFacility) Control(service Handle, cmd Command) (Snapshot, error) {
	u, err := asUnit(service)
	if err != nil {
		return Snapshot{}, err
	}
	if cmd != CommandStop {
		return Snapshot{}, fmt.Errorf("%w: systemd does not support %s", ErrInvalidState, cmd)
	}

	ctx, cancel := callContext()
	defer cancel()

	results := make(chan string, 1)
	if _, err := u.conn.StopUnitContext(ctx, u.unit, "replace", results); err != nil {
		return Snapshot{}, mapDBusError(ErrInvalidState, err)
	}
	if err := awaitJob("stop", u.unit, results, u.jobTimeout(ctx, "TimeoutStopUSec")); err != nil {
		return Snapshot{}, err
	}
	return f.Query(service)
}

func (f *systemdFacility) Start(service Handle, args []string) error {
	u, err := asUnit(service)
	if err != nil {
		return err
	}

	ctx, cancel := callContext()
	defer cancel()

	results := make(chan string, 1)
	if _, err := u.conn.StartUnitContext(ctx, u.unit, "replace", results); err != nil {
		return mapDBusError(ErrInvalidState, err)
	}
	return awaitJob("start", u.unit, results, u.jobTimeout(ctx, "TimeoutStartUSec"))
}

// jobTimeout reads the unit's start or stop timeout.
func (u *systemdUnit) jobTimeout(ctx context.Context, property string) time.Duration {
	props, err := u.conn.GetUnitTypePropertiesContext(ctx, u.unit, "Service")
	if err != nil {
		return defaultJobWait
	}
	if d := usecDuration(props[property]); d > 0 {
		return d
	}
	return defaultJobWait
}

// awaitJob blocks until systemd reports the queued job's result. The unit
// state only changes once the job runs, so polling straight after queueing
// can still see the old state. A job outliving timeout is left to the
// caller's status poll.
func awaitJob(op, unit string, results <-chan string, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-results:
		switch result {
		case "done", "skipped":
			return nil
		case "timeout":
			return fmt.Errorf("%w: %s job for %s timed out", ErrTimeout, op, unit)
		default:
			return fmt.Errorf("%w: %s job for %s finished with %q", ErrInvalidState, op, unit, result)
		}
	case <-timer.C:
		return nil
	}
}

func (f *systemdFacility) Query(service Handle) (Snapshot, error) {
	u, err := asUnit(service)
	if err != nil {
		return Snapshot{}, err
	}

	ctx, cancel := callContext()
	defer cancel()

	unitProps, err := u.conn.GetUnitPropertiesContext(ctx, u.unit)
	if err != nil {
		return Snapshot{}, mapDBusError(ErrInvalidHandle, err)
	}
	if loadState, _ := unitProps["LoadState"].(string); loadState == "not-found" {
		return Snapshot{}, fmt.Errorf("%w: %s no longer exists", ErrInvalidHandle, u.unit)
	}

	activeState, _ := unitProps["ActiveState"].(string)
	snap := Snapshot{State: stateOf(activeState)}
	if canStop, _ := unitProps["CanStop"].(bool); canStop {
		snap.ControlsAccepted = 0x1
	}

	serviceProps, err := u.conn.GetUnitTypePropertiesContext(ctx, u.unit, "Service")
	if err != nil {
		// Non-service units have no Service interface; the unit state is enough.
		return snap, nil
	}
	if pid, ok := serviceProps["MainPID"].(uint32); ok {
		snap.ProcessID = pid
	}
	if status, ok := serviceProps["ExecMainStatus"].(int32); ok {
		snap.ExitCode = uint32(status)
	}
	switch snap.State {
	case StartPending:
		snap.WaitHint = usecDuration(serviceProps["TimeoutStartUSec"])
	case StopPending:
		snap.WaitHint = usecDuration(serviceProps["TimeoutStopUSec"])
	}
	return snap, nil
}

func stateOf(activeState string) State {
	switch activeState {
	case "active", "reloading":
		return Running
	case "activating":
		return StartPending
	case "deactivating":
		return StopPending
	case "inactive", "failed":
		return Stopped
	default:
		return Unknown
	}
}

func usecDuration(v interface{}) time.Duration {
	usec, ok := v.(uint64)
	if !ok {
		return 0
	}
	if usec > uint64(maxWaitHint/time.Microsecond) {
		return maxWaitHint
	}
	return time.Duration(usec) * time.Microsecond
}

// mapDBusError classifies polkit refusals as ErrPermission and everything
// else as fallback.
func mapDBusError(fallback, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "access denied"),
		strings.Contains(msg, "accessdenied"),
		strings.Contains(msg, "interactive authentication required"),
		strings.Contains(msg, "not authorized"):
		return Classify(ErrPermission, err)
	case strings.Contains(msg, "not loaded"), strings.Contains(msg, "no such unit"):
		return Classify(ErrNotFound, err)
	}
	return Classify(fallback, err)
}

func asUnit(h Handle) (*systemdUnit, error) {
	u, ok := h.(*systemdUnit)
	if !ok || u == nil {
		return nil, fmt.Errorf("%w: not a service handle", ErrInvalidHandle)
	}
	return u, nil
}
