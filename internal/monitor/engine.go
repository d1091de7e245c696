// Package monitor wires the registry, scheduler, scan coordinator and views into one engine.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/doridoridoriand/linkwatch/internal/log"
	"github.com/doridoridoriand/linkwatch/internal/probe"
	"github.com/doridoridoriand/linkwatch/internal/reconcile"
	"github.com/doridoridoriand/linkwatch/internal/scan"
	"github.com/doridoridoriand/linkwatch/internal/scheduler"
	"github.com/doridoridoriand/linkwatch/internal/state"
)

// Scope names used in render operations.
const (
	ScopeTargets = "targets"
	ScopeDevices = "devices/"
	ScopePorts   = "ports/"
)

// Config holds engine tuning.
type Config struct {
	Scheduler   scheduler.Config
	ScanTimeout time.Duration
	Registry    []state.RegistryOption
}

// Engine owns the monitored targets and pushes every change through the views.
type Engine struct {
	// mu serializes view updates so snapshots reach the renderer in order.
	mu        sync.Mutex
	syncMu    sync.Mutex
	registry  *state.Registry
	scheduler *scheduler.Impl
	scans     *scan.Coordinator
	renderer  reconcile.Renderer
	logger    *log.Logger
	targets   *reconcile.View[state.TargetStatus]
	devices   map[string]*reconcile.View[probe.Device]
	ports     map[string]*reconcile.View[PortRow]
}

// PortRow is one open port of a scanned device.
type PortRow struct {
	DeviceIP string `json:"device_ip"`
	probe.Port
}

// New builds an engine. renderer may be nil.
func New(cfg Config, probes probe.Collaborator, renderer reconcile.Renderer, logger *log.Logger) *Engine {
	e := &Engine{
		registry: state.NewRegistry(cfg.Registry...),
		renderer: renderer,
		logger:   logger,
		devices:  make(map[string]*reconcile.View[probe.Device]),
		ports:    make(map[string]*reconcile.View[PortRow]),
	}
	e.targets = reconcile.NewView[state.TargetStatus](ScopeTargets,
		func(s state.TargetStatus) string { return s.ID },
		renderer,
		reconcile.WithEqual(func(a, b state.TargetStatus) bool { return reflect.DeepEqual(a, b) }),
	)
	e.scheduler = scheduler.NewScheduler(cfg.Scheduler, probes, e.registry, e, logger)

	scanOpts := []scan.Option{scan.WithLogger(logger), scan.WithCompletion(e.onScanComplete)}
	if cfg.ScanTimeout > 0 {
		scanOpts = append(scanOpts, scan.WithTimeout(cfg.ScanTimeout))
	}
	e.scans = scan.NewCoordinator(probes, e.registry, scanOpts...)
	return e
}

// Register adds a target and schedules its periodic probes.
func (e *Engine) Register(target state.Target) (uint64, error) {
	gen, err := e.registry.Add(target)
	if err != nil {
		return 0, err
	}
	e.scheduler.Start(target, gen)
	e.logger.Info("target registered", map[string]interface{}{
		"target":     target.ID,
		"address":    target.Address,
		"kind":       string(target.Kind),
		"generation": gen,
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	e.syncTargetsLocked()
	return gen, nil
}

// Deregister stops probes and scans of id and removes it from every view.
func (e *Engine) Deregister(id string) bool {
	e.scheduler.Stop(id)
	removed := e.registry.Remove(id)
	// after Remove, so a scan admitted concurrently is either cancelled here or rejected
	e.scans.CancelTarget(id)
	if !removed {
		return false
	}
	e.logger.Info("target deregistered", map[string]interface{}{"target": id})

	e.mu.Lock()
	defer e.mu.Unlock()
	e.syncTargetsLocked()
	if v, ok := e.devices[id]; ok {
		v.Clear()
		delete(e.devices, id)
	}
	if v, ok := e.ports[id]; ok {
		v.Clear()
		delete(e.ports, id)
	}
	return true
}

// Changes summarizes a SyncTargets call.
type Changes struct {
	Added     []string `json:"added"`
	Removed   []string `json:"removed"`
	Replaced  []string `json:"replaced"`
	Unchanged []string `json:"unchanged"`
}

// SyncTargets makes the registered set equal to targets. Targets whose definition changed
// are deregistered and registered again under a new generation, which drops their series.
// Registration errors are joined. Targets are handled in the given order.
func (e *Engine) SyncTargets(targets []state.Target) (Changes, error) {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	var changes Changes
	wanted := make(map[string]bool, len(targets))
	for _, t := range targets {
		wanted[t.ID] = true
	}
	current := e.registry.Snapshot()
	sort.Slice(current, func(i, j int) bool { return current[i].ID < current[j].ID })
	for _, status := range current {
		if !wanted[status.ID] && e.Deregister(status.ID) {
			changes.Removed = append(changes.Removed, status.ID)
		}
	}

	var errs []error
	for _, t := range targets {
		existing, _, ok := e.registry.Target(t.ID)
		switch {
		case ok && sameTarget(existing, t):
			changes.Unchanged = append(changes.Unchanged, t.ID)
			continue
		case ok:
			e.Deregister(t.ID)
		}
		if _, err := e.Register(t); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.ID, err))
			continue
		}
		if ok {
			changes.Replaced = append(changes.Replaced, t.ID)
		} else {
			changes.Added = append(changes.Added, t.ID)
		}
	}
	return changes, errors.Join(errs...)
}

func sameTarget(a, b state.Target) bool {
	if !slices.Equal(a.Ports, b.Ports) {
		return false
	}
	a.Ports, b.Ports = nil, nil
	return reflect.DeepEqual(a, b)
}

// StartScan submits an on-demand scan.
func (e *Engine) StartScan(req scan.Request) (*scan.Handle, error) {
	return e.scans.StartScan(req)
}

// Jobs returns the latest scan of each kind for id.
func (e *Engine) Jobs(id string) []scan.Job {
	return e.scans.Jobs(id)
}

// Job returns the latest scan of kind for id.
func (e *Engine) Job(id string, kind scan.Kind) (scan.Job, bool) {
	return e.scans.Get(id, kind)
}

// Snapshot returns every target status ordered by id.
func (e *Engine) Snapshot() []state.TargetStatus {
	return e.registry.Snapshot()
}

// Get returns the status of one target.
func (e *Engine) Get(id string) (state.TargetStatus, bool) {
	return e.registry.Get(id)
}

// Registry exposes the underlying registry.
func (e *Engine) Registry() *state.Registry {
	return e.registry
}

// Run drives the scheduler until ctx is cancelled, then cancels outstanding scans.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine started", map[string]interface{}{"targets": e.registry.Len()})

	err := e.scheduler.Run(ctx)
	e.scans.Close()
	e.logger.Info("engine stopped", nil)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Publish implements scheduler.Publisher.
func (e *Engine) Publish(class state.Class, status state.TargetStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.syncTargetsLocked()
	if class == state.ClassDevices {
		e.syncDevicesLocked(status)
	}
}

func (e *Engine) onScanComplete(job scan.Job) {
	if job.State != scan.StateCompleted {
		return
	}
	switch job.Kind {
	case scan.KindDeviceDiscovery:
		status, ok := e.registry.RecordDevices(job.TargetID, job.Generation, job.Devices)
		if !ok {
			return
		}
		e.Publish(state.ClassDevices, status)
	case scan.KindPortScan:
		e.mu.Lock()
		defer e.mu.Unlock()
		if !e.registry.Current(job.TargetID, job.Generation) {
			return
		}
		rows := make([]PortRow, len(job.Ports))
		for i, p := range job.Ports {
			rows[i] = PortRow{DeviceIP: job.DeviceIP, Port: p}
		}
		e.portsViewLocked(job.TargetID).Sync(rows)
	}
}

func (e *Engine) syncTargetsLocked() {
	e.targets.Sync(e.registry.Snapshot())
}

func (e *Engine) syncDevicesLocked(status state.TargetStatus) {
	if !e.registry.Current(status.ID, status.Generation) {
		return
	}
	e.devicesViewLocked(status.ID).Sync(status.Devices)
}

func (e *Engine) devicesViewLocked(id string) *reconcile.View[probe.Device] {
	v, ok := e.devices[id]
	if !ok {
		v = reconcile.NewView[probe.Device](ScopeDevices+id,
			func(d probe.Device) string { return d.IP },
			e.renderer,
			reconcile.WithEqual(func(a, b probe.Device) bool { return a == b }),
		)
		e.devices[id] = v
	}
	return v
}

func (e *Engine) portsViewLocked(id string) *reconcile.View[PortRow] {
	v, ok := e.ports[id]
	if !ok {
		v = reconcile.NewView[PortRow](ScopePorts+id,
			func(p PortRow) string { return strconv.Itoa(p.Port.Port) },
			e.renderer,
			reconcile.WithEqual(func(a, b PortRow) bool { return a == b }),
		)
		e.ports[id] = v
	}
	return v
}
