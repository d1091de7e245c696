package state

import (
	"sort"
	"sync"
	"time"

	"github.com/doridoridoriand/linkwatch/internal/health"
	"github.com/doridoridoriand/linkwatch/internal/probe"
	"github.com/doridoridoriand/linkwatch/internal/series"
)

const defaultStaleAfter = 5 * time.Minute

type entry struct {
	target       Target
	gen          uint64
	registeredAt time.Time

	windows map[string]*series.Window
	latest  map[string]series.Sample
	tiers   map[string]health.Tier
	tier    health.Tier

	lastSuccessAt time.Time
	lastFailureAt time.Time
	lastError     string
	consecutiveOK int
	consecutiveNG int
	totalSuccess  int
	totalFailure  int

	devices          []probe.Device
	devicesUpdatedAt time.Time

	suppressed map[Class]bool
}

// Registry is the thread-safe set of registered targets and their observed state.
// Results are keyed by (id, generation) so late results for a removed target are dropped.
type Registry struct {
	mu         sync.RWMutex
	entries    map[string]*entry
	nextGen    uint64
	windowSize int
	classifier *health.Classifier
	staleAfter time.Duration
	now        func() time.Time
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithWindowSize sets the per-metric window capacity.
func WithWindowSize(n int) RegistryOption {
	return func(r *Registry) { r.windowSize = n }
}

// WithClassifier sets the classifier used to derive tiers.
func WithClassifier(c *health.Classifier) RegistryOption {
	return func(r *Registry) { r.classifier = c }
}

// WithStaleAfter sets how long a target may go without a successful probe before it is stale.
// Zero disables staleness.
func WithStaleAfter(d time.Duration) RegistryOption {
	return func(r *Registry) { r.staleAfter = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		entries:    make(map[string]*entry),
		windowSize: series.DefaultCapacity,
		staleAfter: defaultStaleAfter,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.classifier == nil {
		r.classifier, _ = health.NewClassifier(nil)
	}
	return r
}

// Add registers a target and returns its generation.
func (r *Registry) Add(t Target) (uint64, error) {
	if err := t.Validate(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[t.ID]; ok {
		return 0, ErrDuplicateTarget
	}
	r.nextGen++
	t.Ports = append([]int(nil), t.Ports...)
	r.entries[t.ID] = &entry{
		target:       t,
		gen:          r.nextGen,
		registeredAt: r.now(),
		windows:      make(map[string]*series.Window),
		latest:       make(map[string]series.Sample),
		tiers:        make(map[string]health.Tier),
		tier:         health.TierUnknown,
		suppressed:   make(map[Class]bool),
	}
	return r.nextGen, nil
}

// Remove deregisters a target. It reports whether the target was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return false
	}
	delete(r.entries, id)
	return true
}

// Target returns the registered configuration and generation of id.
func (r *Registry) Target(id string) (Target, uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Target{}, 0, false
	}
	t := e.target
	t.Ports = append([]int(nil), e.target.Ports...)
	return t, e.gen, true
}

// Current reports whether gen is the live generation of id.
func (r *Registry) Current(id string, gen uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return ok && e.gen == gen
}

// Get returns a snapshot of a single target.
func (r *Registry) Get(id string) (TargetStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return TargetStatus{}, false
	}
	return r.statusLocked(e), true
}

// Snapshot returns copies of all targets sorted by id.
func (r *Registry) Snapshot() []TargetStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]TargetStatus, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, r.statusLocked(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered targets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// RecordMetrics applies a successful probe. It returns false when gen is stale.
func (r *Registry) RecordMetrics(id string, gen uint64, samples []series.Sample) (TargetStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.live(id, gen)
	if !ok {
		return TargetStatus{}, false
	}
	now := r.now()
	for _, s := range samples {
		r.pushLocked(e, s)
	}
	e.tier = worstTier(e.tiers)
	e.lastSuccessAt = now
	e.lastError = ""
	e.consecutiveOK++
	e.consecutiveNG = 0
	e.totalSuccess++
	return r.statusLocked(e), true
}

// RecordUnreachable applies a failed probe: every tracked metric gets an unreachable sample
// and the target tier becomes Unknown. It returns false when gen is stale.
func (r *Registry) RecordUnreachable(id string, gen uint64, cause error) (TargetStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.live(id, gen)
	if !ok {
		return TargetStatus{}, false
	}
	now := r.now()
	metrics := map[string]struct{}{health.MetricLatency: {}}
	for metric := range e.windows {
		metrics[metric] = struct{}{}
	}
	for metric := range metrics {
		r.pushLocked(e, series.Unreachable(metric, now))
	}
	e.tier = health.TierUnknown
	e.lastFailureAt = now
	if cause != nil {
		e.lastError = cause.Error()
	} else {
		e.lastError = probe.ErrUnreachable.Error()
	}
	e.consecutiveNG++
	e.consecutiveOK = 0
	e.totalFailure++
	return r.statusLocked(e), true
}

// RecordDevices replaces the device list of a target. It returns false when gen is stale.
func (r *Registry) RecordDevices(id string, gen uint64, devices []probe.Device) (TargetStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.live(id, gen)
	if !ok {
		return TargetStatus{}, false
	}
	e.devices = append([]probe.Device(nil), devices...)
	e.devicesUpdatedAt = r.now()
	return r.statusLocked(e), true
}

// Suppress stops periodic probes of class for id until Release. It reports whether id is registered.
func (r *Registry) Suppress(id string, class Class) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	e.suppressed[class] = true
	return true
}

// Release lifts a suppression set by Suppress.
func (r *Registry) Release(id string, class Class) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		delete(e.suppressed, class)
	}
}

// Suppressed reports whether periodic probes of class are currently suppressed for id.
func (r *Registry) Suppressed(id string, class Class) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return ok && e.suppressed[class]
}

// Classifier returns the classifier used for tiers.
func (r *Registry) Classifier() *health.Classifier {
	return r.classifier
}

func (r *Registry) live(id string, gen uint64) (*entry, bool) {
	e, ok := r.entries[id]
	if !ok || e.gen != gen {
		return nil, false
	}
	return e, true
}

func (r *Registry) pushLocked(e *entry, s series.Sample) {
	w, ok := e.windows[s.Metric]
	if !ok {
		w = series.NewWindow(r.windowSize)
		e.windows[s.Metric] = w
	}
	w.Push(s)
	e.latest[s.Metric] = s
	e.tiers[s.Metric] = r.classifier.Classify(s.Metric, s.Value)
}

func worstTier(tiers map[string]health.Tier) health.Tier {
	all := make([]health.Tier, 0, len(tiers))
	for _, t := range tiers {
		all = append(all, t)
	}
	return health.Worst(all...)
}

func (r *Registry) statusLocked(e *entry) TargetStatus {
	status := TargetStatus{
		ID:               e.target.ID,
		Name:             e.target.DisplayName(),
		Kind:             e.target.Kind,
		Address:          e.target.Address,
		Group:            e.target.Group,
		Generation:       e.gen,
		Tier:             e.tier,
		Tiers:            make(map[string]health.Tier, len(e.tiers)),
		Latest:           make(map[string]series.Sample, len(e.latest)),
		Series:           make(map[string][]series.Sample, len(e.windows)),
		Summaries:        make(map[string]series.Summary, len(e.windows)),
		LastSuccessAt:    e.lastSuccessAt,
		LastFailureAt:    e.lastFailureAt,
		LastError:        e.lastError,
		ConsecutiveOK:    e.consecutiveOK,
		ConsecutiveNG:    e.consecutiveNG,
		TotalSuccess:     e.totalSuccess,
		TotalFailure:     e.totalFailure,
		Devices:          append([]probe.Device(nil), e.devices...),
		DevicesUpdatedAt: e.devicesUpdatedAt,
		RegisteredAt:     e.registeredAt,
	}
	for metric, tier := range e.tiers {
		status.Tiers[metric] = tier
	}
	for metric, s := range e.latest {
		if s.Value != nil {
			v := *s.Value
			s.Value = &v
		}
		status.Latest[metric] = s
	}
	for metric, w := range e.windows {
		status.Series[metric] = w.Snapshot()
		status.Summaries[metric] = w.Summary()
	}
	for class := range e.suppressed {
		status.Suppressed = append(status.Suppressed, class)
	}
	sort.Slice(status.Suppressed, func(i, j int) bool { return status.Suppressed[i] < status.Suppressed[j] })

	if r.staleAfter > 0 {
		seen := e.lastSuccessAt
		if seen.IsZero() {
			seen = e.registeredAt
		}
		status.Stale = r.now().Sub(seen) > r.staleAfter
	}
	return status
}
