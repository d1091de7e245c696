package config

import (
	"errors"
	"time"

	"github.com/doridoridoriand/linkwatch/internal/health"
)

// ErrInvalid is wrapped by every configuration error.
var ErrInvalid = errors.New("invalid configuration")

// MetricsMode describes the granularity of exported metrics.
type MetricsMode string

const (
	MetricsModePerTarget  MetricsMode = "per-target"
	MetricsModeAggregated MetricsMode = "aggregated"
	MetricsModeBoth       MetricsMode = "both"
)

// GlobalOptions holds global settings parsed from config and CLI overrides.
type GlobalOptions struct {
	Interval        time.Duration
	Timeout         time.Duration
	DevicesInterval time.Duration
	DevicesTimeout  time.Duration
	Window          int
	MaxConcurrency  int
	ScanTimeout     time.Duration
	StaleAfter      time.Duration
	Thresholds      health.Thresholds
	MetricsMode     MetricsMode
	MetricsListen   string
	APIListen       string
	APISecret       string
	UIDisable       bool
	LogLevel        string
}

// TargetConfig represents a single target definition.
type TargetConfig struct {
	Name    string
	Address string
	Group   string
	Options map[string]string
}

// Config is the parsed configuration file with global settings.
type Config struct {
	Targets []TargetConfig
	Global  GlobalOptions
}

// CLIOverrides holds optional CLI values that override config file values.
type CLIOverrides struct {
	Interval       *time.Duration
	Timeout        *time.Duration
	MaxConcurrency *int
	Window         *int
	MetricsMode    *MetricsMode
	MetricsListen  *string
	APIListen      *string
	UIDisable      *bool
	LogLevel       *string
}

// Parser defines config parsing behavior.
type Parser interface {
	LoadConfig(path string, overrides CLIOverrides) (*Config, error)
	ParseLinkwatchDirective(line string) (map[string]string, error)
	ParseTargetLine(line string, group string) (TargetConfig, error)
}
