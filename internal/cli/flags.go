// Package cli provides flag.Value types that remember whether they were set,
// so unset flags never override the config file.
package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/doridoridoriand/linkwatch/internal/config"
	"github.com/doridoridoriand/linkwatch/internal/log"
)

type optional[T any] struct {
	value T
	set   bool
}

func (o *optional[T]) store(v T) {
	o.value = v
	o.set = true
}

// Value returns the parsed value and whether the flag was given.
func (o *optional[T]) Value() (T, bool) {
	return o.value, o.set
}

// Override returns a pointer to the value when set, nil otherwise.
func (o *optional[T]) Override() *T {
	if !o.set {
		return nil
	}
	v := o.value
	return &v
}

// OptionalDuration records a duration flag and whether it was set.
type OptionalDuration struct{ optional[time.Duration] }

func (o *OptionalDuration) Set(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	o.store(v)
	return nil
}

func (o *OptionalDuration) String() string {
	if !o.set {
		return ""
	}
	return o.value.String()
}

// OptionalInt records an int flag and whether it was set.
type OptionalInt struct{ optional[int] }

func (o *OptionalInt) Set(s string) error {
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	o.store(v)
	return nil
}

func (o *OptionalInt) String() string {
	if !o.set {
		return ""
	}
	return strconv.Itoa(o.value)
}

// OptionalString records a string flag and whether it was set.
type OptionalString struct{ optional[string] }

func (o *OptionalString) Set(s string) error {
	o.store(s)
	return nil
}

func (o *OptionalString) String() string {
	if !o.set {
		return ""
	}
	return o.value
}

// OptionalBool records a bool flag and whether it was set.
type OptionalBool struct{ optional[bool] }

func (o *OptionalBool) Set(s string) error {
	v, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	o.store(v)
	return nil
}

func (o *OptionalBool) String() string {
	if !o.set {
		return ""
	}
	return strconv.FormatBool(o.value)
}

func (o *OptionalBool) IsBoolFlag() bool {
	return true
}

// OptionalMetricsMode records a metrics mode flag and whether it was set.
type OptionalMetricsMode struct{ optional[config.MetricsMode] }

func (o *OptionalMetricsMode) Set(s string) error {
	switch m := config.MetricsMode(s); m {
	case config.MetricsModePerTarget, config.MetricsModeAggregated, config.MetricsModeBoth:
		o.store(m)
		return nil
	}
	return fmt.Errorf("invalid metrics mode: %q (valid values: per-target, aggregated, both)", s)
}

func (o *OptionalMetricsMode) String() string {
	if !o.set {
		return ""
	}
	return string(o.value)
}

// OptionalLevel records a log level flag. The raw name is kept for the config layer.
type OptionalLevel struct{ optional[string] }

func (o *OptionalLevel) Set(s string) error {
	if _, err := log.ParseLevel(s); err != nil {
		return err
	}
	o.store(s)
	return nil
}

func (o *OptionalLevel) String() string {
	if !o.set {
		return ""
	}
	return o.value
}
