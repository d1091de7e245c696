package scan

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/doridoridoriand/linkwatch/internal/log"
	"github.com/doridoridoriand/linkwatch/internal/probe"
	"github.com/doridoridoriand/linkwatch/internal/state"
)

const defaultTimeout = 2 * time.Minute

var (
	// ErrAlreadyRunning is returned when a non-terminal job exists for the same target and kind.
	ErrAlreadyRunning = errors.New("scan already running")
	// ErrUnknownTarget is returned for targets that are not registered.
	ErrUnknownTarget = errors.New("unknown target")
	// ErrInvalidRequest is returned for malformed scan requests.
	ErrInvalidRequest = errors.New("invalid scan request")
	// ErrCancelled is the terminal error of a job whose target was deregistered.
	ErrCancelled = errors.New("scan cancelled")
)

// Kind is the kind of on-demand scan.
type Kind string

const (
	KindDeviceDiscovery Kind = "device-discovery"
	KindPortScan        Kind = "port-scan"
)

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindDeviceDiscovery, KindPortScan:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, s)
}

// Suppresses returns the periodic probe class that conflicts with k, if any.
func (k Kind) Suppresses() (state.Class, bool) {
	if k == KindDeviceDiscovery {
		return state.ClassDevices, true
	}
	return "", false
}

// State is the lifecycle state of a job.
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
)

// Terminal reports whether s is Completed or Failed.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Request asks for one scan. DeviceIP is required for port scans.
type Request struct {
	TargetID string
	Kind     Kind
	DeviceIP string
}

// Job is a snapshot of a scan.
type Job struct {
	ID         string         `json:"id"`
	TargetID   string         `json:"target_id"`
	Generation uint64         `json:"generation"`
	Kind       Kind           `json:"kind"`
	DeviceIP   string         `json:"device_ip,omitempty"`
	State      State          `json:"state"`
	Devices    []probe.Device `json:"devices,omitempty"`
	Ports      []probe.Port   `json:"ports,omitempty"`
	Err        error          `json:"-"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

func (j Job) clone() Job {
	j.Devices = append([]probe.Device(nil), j.Devices...)
	j.Ports = append([]probe.Port(nil), j.Ports...)
	return j
}

// Targets resolves and suppresses targets. *state.Registry satisfies it.
type Targets interface {
	Target(id string) (state.Target, uint64, bool)
	Suppress(id string, class state.Class) bool
	Release(id string, class state.Class)
}

type key struct {
	target string
	kind   Kind
}

type run struct {
	job    Job
	cancel context.CancelFunc
	done   chan struct{}
}

// Coordinator runs on-demand scans with at most one non-terminal job per (target, kind).
type Coordinator struct {
	mu         sync.Mutex
	probes     probe.Collaborator
	targets    Targets
	timeout    time.Duration
	logger     *log.Logger
	onComplete func(Job)
	now        func() time.Time
	runs       map[key]*run
	seq        uint64
	ctx        context.Context
	cancel     context.CancelFunc
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithTimeout bounds each scan.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithCompletion registers a hook called once per job when it reaches a terminal state.
// The hook runs outside the coordinator lock, before conflicting probes are released and
// before Done is closed.
func WithCompletion(fn func(Job)) Option {
	return func(c *Coordinator) { c.onComplete = fn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator creates a coordinator that scans through probes.
func NewCoordinator(probes probe.Collaborator, targets Targets, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		probes:  probes,
		targets: targets,
		timeout: defaultTimeout,
		now:     time.Now,
		runs:    make(map[key]*run),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handle observes one started job.
type Handle struct {
	c *Coordinator
	r *run
}

// Done is closed once the job is terminal and its completion hook has run.
func (h *Handle) Done() <-chan struct{} {
	return h.r.done
}

// Job returns the current snapshot of the job.
func (h *Handle) Job() Job {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	return h.r.job.clone()
}

// Wait blocks until the job is terminal or ctx is done. The returned error is the job error,
// or ctx.Err() when ctx ended first.
func (h *Handle) Wait(ctx context.Context) (Job, error) {
	select {
	case <-h.r.done:
		job := h.Job()
		return job, job.Err
	case <-ctx.Done():
		return h.Job(), ctx.Err()
	}
}

// StartScan creates a job and runs it asynchronously.
func (c *Coordinator) StartScan(req Request) (*Handle, error) {
	if _, err := ParseKind(string(req.Kind)); err != nil {
		return nil, err
	}
	if req.Kind == KindPortScan && net.ParseIP(req.DeviceIP) == nil {
		return nil, fmt.Errorf("%w: port scan needs a device ip, got %q", ErrInvalidRequest, req.DeviceIP)
	}

	c.mu.Lock()
	// resolved under c.mu so a concurrent CancelTarget either sees this run or the
	// target is already gone
	target, gen, ok := c.targets.Target(req.TargetID)
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, req.TargetID)
	}
	k := key{target: req.TargetID, kind: req.Kind}
	if existing, ok := c.runs[k]; ok && !existing.job.State.Terminal() {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, existing.job.ID)
	}
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: coordinator closed", ErrCancelled)
	}
	c.seq++
	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	r := &run{
		job: Job{
			ID:         fmt.Sprintf("%s-%s-%d", req.TargetID, req.Kind, c.seq),
			TargetID:   req.TargetID,
			Generation: gen,
			Kind:       req.Kind,
			DeviceIP:   req.DeviceIP,
			State:      StatePending,
			CreatedAt:  c.now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.runs[k] = r
	if class, ok := req.Kind.Suppresses(); ok {
		c.targets.Suppress(req.TargetID, class)
	}
	c.mu.Unlock()

	c.logger.LogScan(r.job.ID, req.TargetID, string(req.Kind), string(StatePending), nil)

	go c.execute(ctx, r, target)
	return &Handle{c: c, r: r}, nil
}

func (c *Coordinator) execute(ctx context.Context, r *run, target state.Target) {
	defer r.cancel()

	c.mu.Lock()
	if r.job.State.Terminal() {
		c.mu.Unlock()
		return
	}
	r.job.State = StateRunning
	r.job.StartedAt = c.now()
	kind, deviceIP := r.job.Kind, r.job.DeviceIP
	c.mu.Unlock()

	var (
		devices []probe.Device
		ports   []probe.Port
		err     error
	)
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("scan panic: %v", rec)
			}
		}()
		switch kind {
		case KindDeviceDiscovery:
			devices, err = c.probes.FetchDeviceList(ctx, target.Target)
		case KindPortScan:
			ports, err = c.probes.ScanPorts(ctx, target.Target, deviceIP)
		}
	}()
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("scan timed out after %s: %w", c.timeout, err)
	}
	c.finish(r, devices, ports, err)
}

// finish moves r to its terminal state unless it was already cancelled, in which case
// the late result is dropped.
func (c *Coordinator) finish(r *run, devices []probe.Device, ports []probe.Port, err error) {
	c.mu.Lock()
	if r.job.State.Terminal() {
		c.mu.Unlock()
		return
	}
	r.job.FinishedAt = c.now()
	if err != nil {
		r.job.State = StateFailed
		r.job.Err = err
		r.job.Error = err.Error()
	} else {
		r.job.State = StateCompleted
		r.job.Devices = devices
		r.job.Ports = ports
	}
	job := r.job.clone()
	c.mu.Unlock()

	c.settle(r, job)
}

// settle logs a terminal job, runs the completion hook, lifts suppression and closes done.
// Suppression is only lifted while r still owns its (target, kind) slot: a job started
// after r turned terminal has set its own suppression.
func (c *Coordinator) settle(r *run, job Job) {
	c.logger.LogScan(job.ID, job.TargetID, string(job.Kind), string(job.State), job.Err)
	if c.onComplete != nil {
		c.onComplete(job)
	}
	c.mu.Lock()
	if class, ok := job.Kind.Suppresses(); ok {
		cur, tracked := c.runs[key{target: job.TargetID, kind: job.Kind}]
		if !tracked || cur == r {
			c.targets.Release(job.TargetID, class)
		}
	}
	c.mu.Unlock()
	close(r.done)
}

// CancelTarget fails every non-terminal job of id with ErrCancelled, signals the
// collaborator to stop and forgets every job of id, so a later registration under the
// same id starts with no history. It does not wait for the collaborator.
func (c *Coordinator) CancelTarget(id string) {
	c.cancelWhere(func(k key) bool { return k.target == id }, true)
}

// Close cancels every non-terminal job. StartScan fails afterwards.
func (c *Coordinator) Close() {
	c.cancelWhere(func(key) bool { return true }, false)
	c.cancel()
}

func (c *Coordinator) cancelWhere(match func(key) bool, forget bool) {
	type cancelledRun struct {
		r   *run
		job Job
	}
	c.mu.Lock()
	var cancelled []cancelledRun
	for k, r := range c.runs {
		if !match(k) {
			continue
		}
		if forget {
			delete(c.runs, k)
		}
		if r.job.State.Terminal() {
			continue
		}
		r.job.State = StateFailed
		r.job.Err = ErrCancelled
		r.job.Error = ErrCancelled.Error()
		r.job.FinishedAt = c.now()
		r.cancel()
		cancelled = append(cancelled, cancelledRun{r: r, job: r.job.clone()})
	}
	c.mu.Unlock()

	for _, cr := range cancelled {
		c.settle(cr.r, cr.job)
	}
}

// Get returns the latest job for (id, kind).
func (c *Coordinator) Get(id string, kind Kind) (Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.runs[key{target: id, kind: kind}]
	if !ok {
		return Job{}, false
	}
	return r.job.clone(), true
}

// Jobs returns the latest job of each kind for id, ordered by kind.
func (c *Coordinator) Jobs(id string) []Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Job
	for k, r := range c.runs {
		if k.target == id {
			out = append(out, r.job.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}
