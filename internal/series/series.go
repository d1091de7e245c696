package series

import (
	"math"
	"sort"
	"time"
)

// DefaultCapacity is the number of samples retained per metric when no window size is configured.
const DefaultCapacity = 30

// Sample is a single observation of one metric. A nil Value means the target was unreachable.
type Sample struct {
	Time   time.Time `json:"time"`
	Metric string    `json:"metric"`
	Value  *float64  `json:"value"`
}

// NewSample builds a reachable sample.
func NewSample(metric string, value float64, at time.Time) Sample {
	v := value
	return Sample{Time: at, Metric: metric, Value: &v}
}

// Unreachable builds a sample that records a missing observation.
func Unreachable(metric string, at time.Time) Sample {
	return Sample{Time: at, Metric: metric}
}

// IsUnreachable reports whether the sample carries no value.
func (s Sample) IsUnreachable() bool {
	return s.Value == nil
}

// Float returns the sample value and whether it was present.
func (s Sample) Float() (float64, bool) {
	if s.Value == nil {
		return 0, false
	}
	return *s.Value, true
}

func (s Sample) clone() Sample {
	if s.Value != nil {
		v := *s.Value
		s.Value = &v
	}
	return s
}

// Window is a fixed-capacity FIFO of samples in arrival order.
// It is not safe for concurrent use; the owner serializes access.
type Window struct {
	data  []Sample
	head  int
	count int
}

// NewWindow creates a window holding at most capacity samples.
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Window{data: make([]Sample, capacity)}
}

// Push appends a sample, evicting the oldest one when the window is full.
func (w *Window) Push(s Sample) {
	w.data[w.head] = s.clone()
	w.head = (w.head + 1) % len(w.data)
	if w.count < len(w.data) {
		w.count++
	}
}

// Len returns the number of retained samples.
func (w *Window) Len() int {
	return w.count
}

// Cap returns the window capacity.
func (w *Window) Cap() int {
	return len(w.data)
}

// Latest returns the most recently pushed sample.
func (w *Window) Latest() (Sample, bool) {
	if w.count == 0 {
		return Sample{}, false
	}
	idx := (w.head - 1 + len(w.data)) % len(w.data)
	return w.data[idx].clone(), true
}

// Snapshot returns a copy of the retained samples, oldest first.
func (w *Window) Snapshot() []Sample {
	if w.count == 0 {
		return nil
	}
	out := make([]Sample, w.count)
	start := (w.head - w.count + len(w.data)) % len(w.data)
	for i := 0; i < w.count; i++ {
		out[i] = w.data[(start+i)%len(w.data)].clone()
	}
	return out
}

// Summary aggregates the reachable values of a window.
type Summary struct {
	Samples     int      `json:"samples"`
	Reachable   int      `json:"reachable"`
	Min         *float64 `json:"min"`
	Max         *float64 `json:"max"`
	Avg         *float64 `json:"avg"`
	Median      *float64 `json:"median"`
	LossPercent float64  `json:"loss_percent"`
}

// Summary computes min/max/avg/median over reachable samples and the share of unreachable ones.
func (w *Window) Summary() Summary {
	return Summarize(w.Snapshot())
}

// Summarize computes a Summary for an arbitrary sample slice.
func Summarize(samples []Sample) Summary {
	sum := Summary{Samples: len(samples)}
	if len(samples) == 0 {
		return sum
	}

	values := make([]float64, 0, len(samples))
	for _, s := range samples {
		if v, ok := s.Float(); ok && !math.IsNaN(v) {
			values = append(values, v)
		}
	}
	sum.Reachable = len(values)
	sum.LossPercent = float64(len(samples)-len(values)) / float64(len(samples)) * 100
	if len(values) == 0 {
		return sum
	}

	sort.Float64s(values)
	total := 0.0
	for _, v := range values {
		total += v
	}
	min, max := values[0], values[len(values)-1]
	avg := total / float64(len(values))
	var median float64
	mid := len(values) / 2
	if len(values)%2 == 0 {
		median = (values[mid-1] + values[mid]) / 2
	} else {
		median = values[mid]
	}
	sum.Min, sum.Max, sum.Avg, sum.Median = &min, &max, &avg, &median
	return sum
}
