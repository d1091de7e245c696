package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/doridoridoriand/linkwatch/internal/health"
)

// File is the YAML form of a configuration. Scalars are kept as strings so both
// formats go through the same option parsing.
type File struct {
	Interval       string            `yaml:"interval"`
	Timeout        string            `yaml:"timeout"`
	Window         string            `yaml:"window"`
	MaxConcurrency string            `yaml:"max_concurrency"`
	StaleAfter     string            `yaml:"stale_after"`
	Devices        DevicesFile       `yaml:"devices"`
	Scan           ScanFile          `yaml:"scan"`
	Thresholds     health.Thresholds `yaml:"thresholds"`
	Metrics        MetricsFile       `yaml:"metrics"`
	API            APIFile           `yaml:"api"`
	UI             UIFile            `yaml:"ui"`
	Log            LogFile           `yaml:"log"`
	Targets        []TargetFile      `yaml:"targets"`
}

type DevicesFile struct {
	Interval string `yaml:"interval"`
	Timeout  string `yaml:"timeout"`
}

type ScanFile struct {
	Timeout string `yaml:"timeout"`
}

type MetricsFile struct {
	Mode   string `yaml:"mode"`
	Listen string `yaml:"listen"`
}

type APIFile struct {
	Listen string `yaml:"listen"`
	Secret string `yaml:"secret"`
}

type UIFile struct {
	Disable string `yaml:"disable"`
}

type LogFile struct {
	Level string `yaml:"level"`
}

// TargetFile is one entry of the targets list.
type TargetFile struct {
	Name     string `yaml:"name"`
	Address  string `yaml:"address"`
	Group    string `yaml:"group"`
	Kind     string `yaml:"kind"`
	Interval string `yaml:"interval"`
	Devices  string `yaml:"devices"`
	Subnet   string `yaml:"subnet"`
	Ports    string `yaml:"ports"`
	Count    string `yaml:"count"`
	System   string `yaml:"system"`
	STUN     string `yaml:"stun"`
}

// LoadYAML reads a YAML configuration file.
func LoadYAML(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseYAML(content)
}

// ParseYAML decodes a YAML configuration document.
func ParseYAML(content []byte) (*Config, error) {
	var file File
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("%w: parse config: %v", ErrInvalid, err)
	}

	cfg := &Config{Global: DefaultGlobalOptions()}
	options := []struct{ key, val string }{
		{"interval", file.Interval},
		{"timeout", file.Timeout},
		{"window", file.Window},
		{"max_concurrency", file.MaxConcurrency},
		{"stale_after", file.StaleAfter},
		{"devices.interval", file.Devices.Interval},
		{"devices.timeout", file.Devices.Timeout},
		{"scan.timeout", file.Scan.Timeout},
		{"metrics.mode", file.Metrics.Mode},
		{"metrics.listen", file.Metrics.Listen},
		{"api.listen", file.API.Listen},
		{"api.secret", file.API.Secret},
		{"ui.disable", file.UI.Disable},
		{"log.level", file.Log.Level},
	}
	for _, opt := range options {
		if opt.val == "" {
			continue
		}
		if err := applyOption(&cfg.Global, opt.key, opt.val); err != nil {
			return nil, err
		}
	}
	if len(file.Thresholds) > 0 {
		cfg.Global.Thresholds = cfg.Global.Thresholds.Merge(file.Thresholds)
	}

	for i, t := range file.Targets {
		if strings.TrimSpace(t.Name) == "" || strings.TrimSpace(t.Address) == "" {
			return nil, fmt.Errorf("%w: targets[%d]: name and address are required", ErrInvalid, i)
		}
		tc := TargetConfig{Name: t.Name, Address: t.Address, Group: t.Group, Options: map[string]string{}}
		for key, val := range map[string]string{
			"kind":     t.Kind,
			"interval": t.Interval,
			"devices":  t.Devices,
			"subnet":   t.Subnet,
			"ports":    t.Ports,
			"count":    t.Count,
			"system":   t.System,
			"stun":     t.STUN,
		} {
			if val != "" {
				tc.Options[key] = val
			}
		}
		cfg.Targets = append(cfg.Targets, tc)
	}
	return cfg, nil
}
