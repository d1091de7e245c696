package series

import (
	"testing"
	"time"
)

func TestWindowEvictsOldest(t *testing.T) {
	w := NewWindow(3)
	base := time.Unix(1000, 0)
	for i := 0; i < 5; i++ {
		w.Push(NewSample("latency", float64(i), base.Add(time.Duration(i)*time.Second)))
	}

	if w.Len() != 3 {
		t.Fatalf("expected length 3, got %d", w.Len())
	}
	got := w.Snapshot()
	for i, want := range []float64{2, 3, 4} {
		v, ok := got[i].Float()
		if !ok || v != want {
			t.Fatalf("sample %d: expected %v, got %+v", i, want, got[i])
		}
	}
}

func TestWindowDefaultCapacity(t *testing.T) {
	if got := NewWindow(0).Cap(); got != DefaultCapacity {
		t.Fatalf("expected default capacity %d, got %d", DefaultCapacity, got)
	}
	if got := NewWindow(-4).Cap(); got != DefaultCapacity {
		t.Fatalf("expected default capacity %d, got %d", DefaultCapacity, got)
	}
}

func TestWindowKeepsUnreachableSamples(t *testing.T) {
	w := NewWindow(4)
	now := time.Now()
	w.Push(NewSample("latency", 12, now))
	w.Push(Unreachable("latency", now.Add(time.Second)))

	snap := w.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(snap))
	}
	if !snap[1].IsUnreachable() {
		t.Fatalf("expected unreachable sample to be retained, got %+v", snap[1])
	}
	latest, ok := w.Latest()
	if !ok || !latest.IsUnreachable() {
		t.Fatalf("expected latest to be unreachable, got %+v", latest)
	}
}

func TestWindowAcceptsOutOfOrderTimestamps(t *testing.T) {
	w := NewWindow(4)
	now := time.Now()
	w.Push(NewSample("latency", 1, now))
	w.Push(NewSample("latency", 2, now.Add(-time.Minute)))

	snap := w.Snapshot()
	if v, _ := snap[1].Float(); v != 2 {
		t.Fatalf("expected arrival order to be kept, got %+v", snap)
	}
}

func TestSnapshotIsIsolated(t *testing.T) {
	w := NewWindow(2)
	w.Push(NewSample("cpu", 10, time.Now()))

	snap := w.Snapshot()
	*snap[0].Value = 99

	again := w.Snapshot()
	if v, _ := again[0].Float(); v != 10 {
		t.Fatalf("snapshot mutation leaked into window: %v", v)
	}
}

func TestLatestOnEmptyWindow(t *testing.T) {
	if _, ok := NewWindow(2).Latest(); ok {
		t.Fatalf("expected no latest sample on empty window")
	}
	if snap := NewWindow(2).Snapshot(); snap != nil {
		t.Fatalf("expected nil snapshot, got %+v", snap)
	}
}

func TestSummarize(t *testing.T) {
	now := time.Now()
	samples := []Sample{
		NewSample("latency", 40, now),
		Unreachable("latency", now),
		NewSample("latency", 10, now),
		NewSample("latency", 30, now),
		NewSample("latency", 20, now),
	}

	sum := Summarize(samples)
	if sum.Samples != 5 || sum.Reachable != 4 {
		t.Fatalf("unexpected counts: %+v", sum)
	}
	if *sum.Min != 10 || *sum.Max != 40 {
		t.Fatalf("unexpected min/max: %v/%v", *sum.Min, *sum.Max)
	}
	if *sum.Avg != 25 || *sum.Median != 25 {
		t.Fatalf("unexpected avg/median: %v/%v", *sum.Avg, *sum.Median)
	}
	if sum.LossPercent != 20 {
		t.Fatalf("expected 20%% loss, got %v", sum.LossPercent)
	}
}

func TestSummarizeAllUnreachable(t *testing.T) {
	now := time.Now()
	sum := Summarize([]Sample{Unreachable("latency", now), Unreachable("latency", now)})
	if sum.Avg != nil || sum.Min != nil {
		t.Fatalf("expected no aggregates, got %+v", sum)
	}
	if sum.LossPercent != 100 {
		t.Fatalf("expected 100%% loss, got %v", sum.LossPercent)
	}
}
