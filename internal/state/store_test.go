package state

import (
	"errors"
	"testing"
	"time"

	"github.com/doridoridoriand/linkwatch/internal/health"
	"github.com/doridoridoriand/linkwatch/internal/probe"
	"github.com/doridoridoriand/linkwatch/internal/series"
)

func linkTarget(id string) Target {
	return Target{
		Target:   probe.Target{ID: id, Address: "192.0.2.1"},
		Kind:     KindLink,
		Interval: 5 * time.Second,
	}
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClock() *fakeClock { return &fakeClock{now: time.Unix(1700000000, 0)} }

func TestTargetValidate(t *testing.T) {
	valid := linkTarget("wan1")
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid target, got %v", err)
	}

	cases := map[string]func(*Target){
		"empty id":          func(t *Target) { t.ID = "" },
		"slash in id":       func(t *Target) { t.ID = "a/b" },
		"empty address":     func(t *Target) { t.Address = "" },
		"unknown kind":      func(t *Target) { t.Kind = "router" },
		"zero interval":     func(t *Target) { t.Interval = 0 },
		"negative devices":  func(t *Target) { t.DevicesInterval = -time.Second },
		"negative count":    func(t *Target) { t.EchoCount = -1 },
		"port out of range": func(t *Target) { t.Ports = []int{0} },
		"bad subnet":        func(t *Target) { t.Subnet = "10.0.0.0/40" },
	}
	for name, mutate := range cases {
		tgt := linkTarget("wan1")
		mutate(&tgt)
		err := tgt.Validate()
		if !errors.Is(err, ErrInvalidTarget) {
			t.Fatalf("%s: expected ErrInvalidTarget, got %v", name, err)
		}
	}
}

func TestRegistryAddAssignsGenerations(t *testing.T) {
	reg := NewRegistry()

	gen1, err := reg.Add(linkTarget("a"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := reg.Add(linkTarget("a")); !errors.Is(err, ErrDuplicateTarget) {
		t.Fatalf("expected ErrDuplicateTarget, got %v", err)
	}
	if !reg.Remove("a") {
		t.Fatalf("expected removal of registered target")
	}
	if reg.Remove("a") {
		t.Fatalf("expected second removal to report absence")
	}
	gen2, err := reg.Add(linkTarget("a"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gen2 <= gen1 {
		t.Fatalf("expected fresh generation, got %d after %d", gen2, gen1)
	}
	if reg.Current("a", gen1) || !reg.Current("a", gen2) {
		t.Fatalf("expected only the latest generation to be current")
	}
}

func TestRegistryRejectsInvalidTarget(t *testing.T) {
	reg := NewRegistry()
	tgt := linkTarget("a")
	tgt.Interval = 0
	if _, err := reg.Add(tgt); !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("expected ErrInvalidTarget, got %v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("expected nothing registered")
	}
}

func TestRegistryRecordMetrics(t *testing.T) {
	clock := newClock()
	reg := NewRegistry(WithClock(clock.Now))
	gen, _ := reg.Add(linkTarget("wan"))

	status, ok := reg.RecordMetrics("wan", gen, []series.Sample{
		series.NewSample(health.MetricLatency, 150, clock.Now()),
		series.NewSample(health.MetricPacketLoss, 0, clock.Now()),
	})
	if !ok {
		t.Fatalf("expected live generation to be accepted")
	}
	if status.Tier != health.TierDegraded {
		t.Fatalf("expected DEGRADED, got %s", status.Tier)
	}
	if status.Tiers[health.MetricPacketLoss] != health.TierHealthy {
		t.Fatalf("expected healthy packet loss, got %s", status.Tiers[health.MetricPacketLoss])
	}
	if v, ok := status.Value(health.MetricLatency); !ok || v != 150 {
		t.Fatalf("expected latest latency 150, got %v %v", v, ok)
	}
	if !status.LastSuccessAt.Equal(clock.Now()) || status.ConsecutiveOK != 1 || status.TotalSuccess != 1 {
		t.Fatalf("unexpected success bookkeeping: %+v", status)
	}
	if len(status.Series[health.MetricLatency]) != 1 {
		t.Fatalf("expected one latency sample, got %d", len(status.Series[health.MetricLatency]))
	}
}

func TestRegistryRecordUnreachableTwice(t *testing.T) {
	clock := newClock()
	reg := NewRegistry(WithClock(clock.Now))
	gen, _ := reg.Add(linkTarget("wan"))

	for i := 0; i < 2; i++ {
		clock.Advance(time.Second)
		status, ok := reg.RecordUnreachable("wan", gen, probe.ErrUnreachable)
		if !ok {
			t.Fatalf("expected live generation to be accepted")
		}
		if status.Tier != health.TierUnknown {
			t.Fatalf("expected UNKNOWN, got %s", status.Tier)
		}
		if status.ConsecutiveNG != i+1 {
			t.Fatalf("expected %d consecutive failures, got %d", i+1, status.ConsecutiveNG)
		}
	}
	status, _ := reg.Get("wan")
	samples := status.Series[health.MetricLatency]
	if len(samples) != 2 {
		t.Fatalf("expected two latency samples, got %d", len(samples))
	}
	for _, s := range samples {
		if !s.IsUnreachable() {
			t.Fatalf("expected null samples, got %+v", s)
		}
	}
	if status.LastError != probe.ErrUnreachable.Error() {
		t.Fatalf("expected last error to be recorded, got %q", status.LastError)
	}
}

func TestRegistryUnreachableCoversKnownMetrics(t *testing.T) {
	reg := NewRegistry()
	gen, _ := reg.Add(linkTarget("wan"))
	now := time.Now()
	reg.RecordMetrics("wan", gen, []series.Sample{
		series.NewSample(health.MetricLatency, 10, now),
		series.NewSample(health.MetricCPU, 20, now),
	})

	status, _ := reg.RecordUnreachable("wan", gen, nil)
	for _, metric := range []string{health.MetricLatency, health.MetricCPU} {
		got := status.Series[metric]
		if len(got) != 2 || !got[1].IsUnreachable() {
			t.Fatalf("expected trailing null sample for %s, got %+v", metric, got)
		}
		if status.Tiers[metric] != health.TierUnknown {
			t.Fatalf("expected UNKNOWN tier for %s, got %s", metric, status.Tiers[metric])
		}
	}
	if status.ConsecutiveOK != 0 || status.TotalSuccess != 1 || status.TotalFailure != 1 {
		t.Fatalf("unexpected counters: %+v", status)
	}
}

func TestRegistryDiscardsStaleGeneration(t *testing.T) {
	reg := NewRegistry()
	oldGen, _ := reg.Add(linkTarget("wan"))
	reg.Remove("wan")

	if _, ok := reg.RecordMetrics("wan", oldGen, nil); ok {
		t.Fatalf("expected result for removed target to be discarded")
	}

	newGen, _ := reg.Add(linkTarget("wan"))
	if _, ok := reg.RecordUnreachable("wan", oldGen, nil); ok {
		t.Fatalf("expected result from previous registration to be discarded")
	}
	if _, ok := reg.RecordDevices("wan", oldGen, []probe.Device{{IP: "192.0.2.5"}}); ok {
		t.Fatalf("expected device result from previous registration to be discarded")
	}
	status, _ := reg.Get("wan")
	if status.Generation != newGen || status.TotalFailure != 0 || len(status.Devices) != 0 {
		t.Fatalf("expected untouched fresh registration, got %+v", status)
	}
}

func TestRegistryWindowCapacity(t *testing.T) {
	reg := NewRegistry(WithWindowSize(3))
	gen, _ := reg.Add(linkTarget("wan"))
	base := time.Unix(0, 0)
	for i := 0; i < 5; i++ {
		reg.RecordMetrics("wan", gen, []series.Sample{
			series.NewSample(health.MetricLatency, float64(i), base.Add(time.Duration(i)*time.Second)),
		})
	}
	status, _ := reg.Get("wan")
	got := status.Series[health.MetricLatency]
	if len(got) != 3 {
		t.Fatalf("expected window of 3, got %d", len(got))
	}
	for i, s := range got {
		if v, _ := s.Float(); v != float64(i+2) {
			t.Fatalf("expected last three samples, got %+v", got)
		}
	}
	if sum := status.Summaries[health.MetricLatency]; sum.Samples != 3 || *sum.Max != 4 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}

func TestRegistrySuppression(t *testing.T) {
	reg := NewRegistry()
	reg.Add(linkTarget("wan"))

	if reg.Suppress("missing", ClassDevices) {
		t.Fatalf("expected suppression of unknown target to fail")
	}
	if !reg.Suppress("wan", ClassDevices) {
		t.Fatalf("expected suppression to succeed")
	}
	if !reg.Suppressed("wan", ClassDevices) || reg.Suppressed("wan", ClassMetrics) {
		t.Fatalf("expected only the devices class to be suppressed")
	}
	status, _ := reg.Get("wan")
	if len(status.Suppressed) != 1 || status.Suppressed[0] != ClassDevices {
		t.Fatalf("expected suppressed classes in snapshot, got %v", status.Suppressed)
	}
	reg.Release("wan", ClassDevices)
	if reg.Suppressed("wan", ClassDevices) {
		t.Fatalf("expected suppression to be released")
	}
}

func TestRegistryStale(t *testing.T) {
	clock := newClock()
	reg := NewRegistry(WithClock(clock.Now), WithStaleAfter(time.Minute))
	gen, _ := reg.Add(linkTarget("wan"))

	clock.Advance(30 * time.Second)
	if status, _ := reg.Get("wan"); status.Stale {
		t.Fatalf("expected fresh target")
	}
	clock.Advance(31 * time.Second)
	if status, _ := reg.Get("wan"); !status.Stale {
		t.Fatalf("expected stale target after a minute without success")
	}
	reg.RecordMetrics("wan", gen, []series.Sample{series.NewSample(health.MetricLatency, 1, clock.Now())})
	if status, _ := reg.Get("wan"); status.Stale {
		t.Fatalf("expected success to clear staleness")
	}
}

func TestRegistrySnapshotSortedAndIsolated(t *testing.T) {
	reg := NewRegistry()
	for _, id := range []string{"c", "a", "b"} {
		reg.Add(linkTarget(id))
	}
	_, gen, _ := reg.Target("a")
	reg.RecordDevices("a", gen, []probe.Device{{IP: "192.0.2.10"}})

	snap := reg.Snapshot()
	if len(snap) != 3 || snap[0].ID != "a" || snap[1].ID != "b" || snap[2].ID != "c" {
		t.Fatalf("expected sorted snapshot, got %+v", snap)
	}
	snap[0].Devices[0].IP = "mutated"
	again, _ := reg.Get("a")
	if again.Devices[0].IP != "192.0.2.10" {
		t.Fatalf("expected snapshot copies to be isolated from the registry")
	}
}
