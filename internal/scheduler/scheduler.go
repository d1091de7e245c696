package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/doridoridoriand/linkwatch/internal/log"
	"github.com/doridoridoriand/linkwatch/internal/probe"
	"github.com/doridoridoriand/linkwatch/internal/series"
	"github.com/doridoridoriand/linkwatch/internal/state"
)

const (
	defaultTimeout        = 5 * time.Second
	defaultDevicesTimeout = time.Minute
)

// Publisher receives every status change produced by a periodic probe.
type Publisher interface {
	Publish(class state.Class, status state.TargetStatus)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(class state.Class, status state.TargetStatus)

// Publish calls f.
func (f PublisherFunc) Publish(class state.Class, status state.TargetStatus) {
	f(class, status)
}

// Config holds scheduler timing.
type Config struct {
	// Timeout bounds one metrics probe. Zero means 5s.
	Timeout time.Duration
	// DevicesTimeout bounds one device list refresh. Zero means 1m.
	DevicesTimeout time.Duration
	// MaxConcurrency caps probes in flight across all targets. Zero means unlimited.
	MaxConcurrency int
}

// Scheduler drives periodic probes.
type Scheduler interface {
	Run(ctx context.Context) error
	Start(target state.Target, gen uint64)
	Stop(id string)
	StopAll()
}

type targetJob struct {
	target state.Target
	gen    uint64
	cancel context.CancelFunc
}

// Impl runs one goroutine and ticker per (target, class).
// A tick is dropped, never queued, while the previous probe of the same class is in flight.
type Impl struct {
	mu        sync.Mutex
	cfg       Config
	probes    probe.Collaborator
	registry  *state.Registry
	publisher Publisher
	logger    *log.Logger
	semaphore chan struct{}
	jobs      map[string]*targetJob
	wg        sync.WaitGroup
	runCtx    context.Context
}

// NewScheduler constructs a scheduler instance.
func NewScheduler(cfg Config, probes probe.Collaborator, registry *state.Registry, publisher Publisher, logger *log.Logger) *Impl {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.DevicesTimeout <= 0 {
		cfg.DevicesTimeout = defaultDevicesTimeout
	}
	s := &Impl{
		cfg:       cfg,
		probes:    probes,
		registry:  registry,
		publisher: publisher,
		logger:    logger,
		jobs:      make(map[string]*targetJob),
	}
	if cfg.MaxConcurrency > 0 {
		s.semaphore = make(chan struct{}, cfg.MaxConcurrency)
	}
	return s
}

// Run starts loops for all started targets and blocks until ctx is cancelled.
func (s *Impl) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.runCtx != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.runCtx = runCtx
	for _, job := range s.jobs {
		s.spawnLocked(job)
	}
	s.mu.Unlock()

	<-runCtx.Done()
	s.StopAll()
	s.wg.Wait()

	s.mu.Lock()
	s.runCtx = nil
	s.mu.Unlock()
	return runCtx.Err()
}

// Start schedules target. Calling Start for an id that is already scheduled replaces its loops.
func (s *Impl) Start(target state.Target, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.jobs[target.ID]; ok && old.cancel != nil {
		old.cancel()
	}
	job := &targetJob{target: target, gen: gen}
	s.jobs[target.ID] = job
	if s.runCtx != nil && s.runCtx.Err() == nil {
		s.spawnLocked(job)
	}
}

// Stop cancels the timers of id. No further firings happen after Stop returns.
// Probes already in flight finish, and their results are dropped by the registry.
func (s *Impl) Stop(id string) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	delete(s.jobs, id)
	s.mu.Unlock()
	if ok && job.cancel != nil {
		job.cancel()
	}
}

// StopAll cancels every target loop.
func (s *Impl) StopAll() {
	s.mu.Lock()
	jobs := s.jobs
	s.jobs = make(map[string]*targetJob)
	s.mu.Unlock()
	for _, job := range jobs {
		if job.cancel != nil {
			job.cancel()
		}
	}
}

// Scheduled reports whether id has active timers.
func (s *Impl) Scheduled(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[id]
	return ok
}

func (s *Impl) spawnLocked(job *targetJob) {
	targetCtx, cancel := context.WithCancel(s.runCtx)
	job.cancel = cancel
	probeCtx := s.runCtx

	classes := []struct {
		class    state.Class
		interval time.Duration
	}{
		{state.ClassMetrics, job.target.Interval},
		{state.ClassDevices, job.target.DevicesInterval},
	}
	for _, c := range classes {
		if c.interval <= 0 {
			continue
		}
		s.wg.Add(1)
		go func(class state.Class, interval time.Duration) {
			defer s.wg.Done()
			s.runClassLoop(targetCtx, probeCtx, job, class, interval)
		}(c.class, c.interval)
	}
}

// runClassLoop fires immediately, then on every tick of interval until ctx is done.
// A firing waits for a concurrency slot on ctx, so Stop also abandons waiting firings.
// Once started, a probe runs on probeCtx so a deregistration does not abort it mid-flight.
func (s *Impl) runClassLoop(ctx, probeCtx context.Context, job *targetJob, class state.Class, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	id := job.target.ID
	var busy atomic.Bool
	fire := func() {
		if s.registry.Suppressed(id, class) {
			s.logger.LogProbeSkipped(id, string(class), "suppressed")
			return
		}
		if !busy.CompareAndSwap(false, true) {
			s.logger.LogProbeSkipped(id, string(class), "busy")
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.jobs[id] != job {
			busy.Store(false)
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer busy.Store(false)
			s.probeOnce(ctx, probeCtx, job, class)
		}()
	}

	fire()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fire()
		}
	}
}

func (s *Impl) probeOnce(waitCtx, ctx context.Context, job *targetJob, class state.Class) {
	if !s.acquire(waitCtx) {
		return
	}
	defer s.release()
	// the slot and a Stop may have become ready together
	if waitCtx.Err() != nil || !s.current(job) {
		return
	}
	target, gen := job.target, job.gen

	timeout := s.cfg.Timeout
	if class == state.ClassDevices {
		timeout = s.cfg.DevicesTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var (
		status state.TargetStatus
		ok     bool
		err    error
	)
	switch class {
	case state.ClassDevices:
		var devices []probe.Device
		err = safely(func() (ferr error) {
			devices, ferr = s.probes.FetchDeviceList(probeCtx, target.Target)
			return ferr
		})
		if err == nil {
			status, ok = s.registry.RecordDevices(target.ID, gen, devices)
		}
	default:
		var samples []series.Sample
		err = safely(func() (ferr error) {
			samples, ferr = s.probes.FetchMetrics(probeCtx, target.Target)
			return ferr
		})
		if err == nil {
			status, ok = s.registry.RecordMetrics(target.ID, gen, samples)
		} else {
			status, ok = s.registry.RecordUnreachable(target.ID, gen, err)
		}
	}
	s.logger.LogProbeResult(target.ID, string(class), time.Since(start), err)
	if ok && s.publisher != nil {
		s.publisher.Publish(class, status)
	}
}

func (s *Impl) current(job *targetJob) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[job.target.ID] == job
}

// safely converts a collaborator panic into an error.
func safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panic: %v", r)
		}
	}()
	return fn()
}

func (s *Impl) acquire(ctx context.Context) bool {
	if s.semaphore == nil {
		return ctx.Err() == nil
	}
	select {
	case s.semaphore <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Impl) release() {
	if s.semaphore == nil {
		return
	}
	select {
	case <-s.semaphore:
	default:
	}
}
