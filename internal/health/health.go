package health

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Tier is the health label derived from a metric value.
type Tier string

const (
	TierUnknown  Tier = "UNKNOWN"
	TierHealthy  Tier = "HEALTHY"
	TierDegraded Tier = "DEGRADED"
	TierCritical Tier = "CRITICAL"
)

// Metric names understood by the default thresholds.
const (
	MetricLatency     = "latency"
	MetricPacketLoss  = "packet_loss"
	MetricCPU         = "cpu"
	MetricRAM         = "ram"
	MetricSTUNLatency = "stun_latency"
)

// ErrInvalidThreshold is returned for thresholds that cannot be evaluated.
var ErrInvalidThreshold = errors.New("invalid health threshold")

// Threshold holds the inclusive upper bounds of the healthy and degraded bands.
type Threshold struct {
	HealthyMax  float64 `yaml:"healthy_max" json:"healthyMax"`
	DegradedMax float64 `yaml:"degraded_max" json:"degradedMax"`
}

// Thresholds maps metric names to their bands.
type Thresholds map[string]Threshold

// DefaultThresholds returns the stock bands for the built-in metrics.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MetricLatency:     {HealthyMax: 100, DegradedMax: 200},
		MetricSTUNLatency: {HealthyMax: 100, DegradedMax: 200},
		MetricCPU:         {HealthyMax: 40, DegradedMax: 70},
		MetricRAM:         {HealthyMax: 40, DegradedMax: 70},
		MetricPacketLoss:  {HealthyMax: 0, DegradedMax: 20},
	}
}

// Merge returns a copy of t with the entries of overrides applied on top.
func (t Thresholds) Merge(overrides Thresholds) Thresholds {
	out := make(Thresholds, len(t)+len(overrides))
	for k, v := range t {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// Validate rejects negative, NaN or inverted bands.
func (t Thresholds) Validate() error {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		th := t[name]
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%w: empty metric name", ErrInvalidThreshold)
		}
		if math.IsNaN(th.HealthyMax) || math.IsNaN(th.DegradedMax) {
			return fmt.Errorf("%w: %s: NaN bound", ErrInvalidThreshold, name)
		}
		if th.HealthyMax < 0 || th.DegradedMax < 0 {
			return fmt.Errorf("%w: %s: negative bound", ErrInvalidThreshold, name)
		}
		if th.HealthyMax > th.DegradedMax {
			return fmt.Errorf("%w: %s: healthy_max %.2f exceeds degraded_max %.2f",
				ErrInvalidThreshold, name, th.HealthyMax, th.DegradedMax)
		}
	}
	return nil
}

// Classifier maps metric values to tiers using table-driven thresholds.
type Classifier struct {
	thresholds Thresholds
}

// NewClassifier validates thresholds and builds a classifier.
func NewClassifier(thresholds Thresholds) (*Classifier, error) {
	if thresholds == nil {
		thresholds = DefaultThresholds()
	}
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}
	return &Classifier{thresholds: thresholds.Merge(nil)}, nil
}

// Classify labels a single value. Missing values and unknown metrics are TierUnknown.
func (c *Classifier) Classify(metric string, value *float64) Tier {
	if value == nil || math.IsNaN(*value) {
		return TierUnknown
	}
	th, ok := c.thresholds[metric]
	if !ok {
		return TierUnknown
	}
	switch v := *value; {
	case v <= th.HealthyMax:
		return TierHealthy
	case v <= th.DegradedMax:
		return TierDegraded
	default:
		return TierCritical
	}
}

// Thresholds returns a copy of the configured bands.
func (c *Classifier) Thresholds() Thresholds {
	return c.thresholds.Merge(nil)
}

func severity(t Tier) int {
	switch t {
	case TierHealthy:
		return 1
	case TierDegraded:
		return 2
	case TierCritical:
		return 3
	default:
		return 0
	}
}

// Worst returns the most severe known tier, or TierUnknown when none is known.
func Worst(tiers ...Tier) Tier {
	worst := TierUnknown
	for _, t := range tiers {
		if severity(t) > severity(worst) {
			worst = t
		}
	}
	return worst
}
