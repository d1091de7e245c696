package state

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/doridoridoriand/linkwatch/internal/health"
	"github.com/doridoridoriand/linkwatch/internal/probe"
	"github.com/doridoridoriand/linkwatch/internal/series"
)

var (
	// ErrInvalidTarget reports a target that cannot be registered as configured.
	ErrInvalidTarget = errors.New("invalid target")
	// ErrDuplicateTarget is returned when a target id is already registered.
	ErrDuplicateTarget = errors.New("target already registered")
)

// Kind distinguishes WAN links from single devices.
type Kind string

const (
	KindLink   Kind = "link"
	KindDevice Kind = "device"
)

// Class names a periodic probe cadence of a target.
type Class string

const (
	ClassMetrics Class = "metrics"
	ClassDevices Class = "devices"
)

// Target is a registered link or device.
type Target struct {
	probe.Target
	Name            string
	Kind            Kind
	Group           string
	Interval        time.Duration
	DevicesInterval time.Duration
}

// DisplayName returns Name, or the ID when no name is set.
func (t Target) DisplayName() string {
	if t.Name != "" {
		return t.Name
	}
	return t.ID
}

// Validate fails fast on values that would otherwise be silently defaulted.
func (t Target) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidTarget)
	}
	if strings.ContainsAny(t.ID, "/ \t") {
		return fmt.Errorf("%w: id %q contains '/' or whitespace", ErrInvalidTarget, t.ID)
	}
	if strings.TrimSpace(t.Address) == "" {
		return fmt.Errorf("%w: %s: empty address", ErrInvalidTarget, t.ID)
	}
	switch t.Kind {
	case KindLink, KindDevice:
	default:
		return fmt.Errorf("%w: %s: unknown kind %q", ErrInvalidTarget, t.ID, t.Kind)
	}
	if t.Interval <= 0 {
		return fmt.Errorf("%w: %s: interval must be positive, got %s", ErrInvalidTarget, t.ID, t.Interval)
	}
	if t.DevicesInterval < 0 {
		return fmt.Errorf("%w: %s: devices interval must not be negative", ErrInvalidTarget, t.ID)
	}
	if t.EchoCount < 0 {
		return fmt.Errorf("%w: %s: count must not be negative", ErrInvalidTarget, t.ID)
	}
	for _, p := range t.Ports {
		if p < 1 || p > 65535 {
			return fmt.Errorf("%w: %s: port out of range: %d", ErrInvalidTarget, t.ID, p)
		}
	}
	if t.Subnet != "" {
		if _, _, err := net.ParseCIDR(t.Subnet); err != nil {
			return fmt.Errorf("%w: %s: subnet: %v", ErrInvalidTarget, t.ID, err)
		}
	}
	return nil
}

// TargetStatus is a point-in-time copy of a target and everything observed about it.
type TargetStatus struct {
	ID               string                     `json:"id"`
	Name             string                     `json:"name"`
	Kind             Kind                       `json:"kind"`
	Address          string                     `json:"address"`
	Group            string                     `json:"group,omitempty"`
	Generation       uint64                     `json:"generation"`
	Tier             health.Tier                `json:"tier"`
	Tiers            map[string]health.Tier     `json:"tiers"`
	Latest           map[string]series.Sample   `json:"latest"`
	Series           map[string][]series.Sample `json:"series"`
	Summaries        map[string]series.Summary  `json:"summaries"`
	LastSuccessAt    time.Time                  `json:"last_success_at"`
	LastFailureAt    time.Time                  `json:"last_failure_at"`
	LastError        string                     `json:"last_error,omitempty"`
	ConsecutiveOK    int                        `json:"consecutive_ok"`
	ConsecutiveNG    int                        `json:"consecutive_ng"`
	TotalSuccess     int                        `json:"total_success"`
	TotalFailure     int                        `json:"total_failure"`
	Devices          []probe.Device             `json:"devices"`
	DevicesUpdatedAt time.Time                  `json:"devices_updated_at"`
	Suppressed       []Class                    `json:"suppressed,omitempty"`
	RegisteredAt     time.Time                  `json:"registered_at"`
	Stale            bool                       `json:"stale"`
}

// Value returns the last-known value of metric.
func (s TargetStatus) Value(metric string) (float64, bool) {
	sample, ok := s.Latest[metric]
	if !ok {
		return 0, false
	}
	return sample.Float()
}

// Reader exposes read-only access to registered targets.
type Reader interface {
	Snapshot() []TargetStatus
	Get(id string) (TargetStatus, bool)
}
