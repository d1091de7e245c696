package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/doridoridoriand/linkwatch/internal/health"
	"github.com/doridoridoriand/linkwatch/internal/log"
)

const directivePrefix = "linkwatch:"

// LinkwatchParser implements the Parser interface.
type LinkwatchParser struct{}

// DefaultGlobalOptions returns baseline settings used before config overrides.
func DefaultGlobalOptions() GlobalOptions {
	return GlobalOptions{
		Interval:        5 * time.Second,
		Timeout:         5 * time.Second,
		DevicesInterval: time.Minute,
		DevicesTimeout:  time.Minute,
		Window:          30,
		MaxConcurrency:  100,
		ScanTimeout:     2 * time.Minute,
		StaleAfter:      5 * time.Minute,
		Thresholds:      health.DefaultThresholds(),
		MetricsMode:     MetricsModePerTarget,
		MetricsListen:   "",
		APIListen:       "",
		UIDisable:       false,
		LogLevel:        "info",
	}
}

// LoadConfig parses a linkwatch.conf file, or a YAML file by extension, with CLI overrides applied.
func (p LinkwatchParser) LoadConfig(path string, overrides CLIOverrides) (*Config, error) {
	var (
		cfg *Config
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		cfg, err = LoadYAML(path)
	default:
		cfg, err = p.loadLines(path)
	}
	if err != nil {
		return nil, err
	}

	applyCLIOverrides(&cfg.Global, overrides)
	if err := cfg.Global.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (p LinkwatchParser) loadLines(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	cfg := &Config{Global: DefaultGlobalOptions()}

	scanner := bufio.NewScanner(file)
	groupIndex := 0
	currentGroup := ""
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "#") {
			if strings.HasPrefix(strings.TrimSpace(strings.TrimPrefix(line, "#")), directivePrefix) {
				if err := p.applyDirectiveLine(&cfg.Global, line); err != nil {
					return nil, fmt.Errorf("line %d: %w", lineNo, err)
				}
			}
			continue
		}

		if strings.HasPrefix(line, directivePrefix) {
			if err := p.applyDirectiveLine(&cfg.Global, line); err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			continue
		}

		if strings.HasPrefix(line, "---") {
			groupIndex++
			groupName := strings.TrimSpace(strings.TrimPrefix(line, "---"))
			if groupName == "" {
				groupName = fmt.Sprintf("group-%d", groupIndex)
			}
			currentGroup = groupName
			continue
		}

		target, err := p.ParseTargetLine(line, currentGroup)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		cfg.Targets = append(cfg.Targets, target)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (p LinkwatchParser) applyDirectiveLine(global *GlobalOptions, line string) error {
	pairs, err := p.ParseLinkwatchDirective(line)
	if err != nil {
		return err
	}
	return applyDirective(global, pairs)
}

// ParseLinkwatchDirective extracts key=value pairs from a directive line.
func (p LinkwatchParser) ParseLinkwatchDirective(line string) (map[string]string, error) {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "#") {
		trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
	}
	if !strings.HasPrefix(trimmed, directivePrefix) {
		return nil, fmt.Errorf("%w: directive line must start with '# linkwatch:' or 'linkwatch:': %q", ErrInvalid, line)
	}
	payload := strings.TrimSpace(strings.TrimPrefix(trimmed, directivePrefix))
	if payload == "" {
		return map[string]string{}, nil
	}

	pairs := make(map[string]string)
	for _, token := range strings.Fields(payload) {
		kv := strings.SplitN(token, "=", 2)
		if len(kv) != 2 || kv[0] == "" {
			return nil, fmt.Errorf("%w: invalid directive token: %q", ErrInvalid, token)
		}
		pairs[kv[0]] = kv[1]
	}
	return pairs, nil
}

// ParseTargetLine parses a single target definition.
func (p LinkwatchParser) ParseTargetLine(line string, group string) (TargetConfig, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return TargetConfig{}, fmt.Errorf("%w: invalid target line: %q", ErrInvalid, line)
	}

	target := TargetConfig{
		Name:    fields[0],
		Address: fields[1],
		Group:   group,
		Options: map[string]string{},
	}

	if len(fields) > 2 {
		for _, field := range fields[2:] {
			kv := strings.SplitN(field, "=", 2)
			if len(kv) != 2 || kv[0] == "" {
				return TargetConfig{}, fmt.Errorf("%w: invalid target option: %q", ErrInvalid, field)
			}
			target.Options[kv[0]] = kv[1]
		}
	}

	return target, nil
}

func applyDirective(global *GlobalOptions, pairs map[string]string) error {
	for key, val := range pairs {
		if err := applyOption(global, key, val); err != nil {
			return err
		}
	}
	return nil
}

func applyOption(global *GlobalOptions, key, val string) error {
	var err error
	switch key {
	case "interval":
		global.Interval, err = parsePositiveDuration(key, val)
	case "timeout":
		global.Timeout, err = parsePositiveDuration(key, val)
	case "devices.interval":
		global.DevicesInterval, err = parseDuration(key, val)
	case "devices.timeout":
		global.DevicesTimeout, err = parsePositiveDuration(key, val)
	case "scan.timeout":
		global.ScanTimeout, err = parsePositiveDuration(key, val)
	case "stale_after":
		global.StaleAfter, err = parsePositiveDuration(key, val)
	case "window":
		global.Window, err = parseInt(key, val)
	case "max_concurrency":
		global.MaxConcurrency, err = parseInt(key, val)
	case "metrics.mode":
		global.MetricsMode, err = parseMetricsMode(val)
	case "metrics.listen":
		global.MetricsListen = normalizeListen(val)
	case "api.listen":
		global.APIListen = normalizeListen(val)
	case "api.secret":
		global.APISecret = val
	case "ui.disable":
		global.UIDisable, err = strconv.ParseBool(val)
		if err != nil {
			err = fmt.Errorf("%w: invalid ui.disable: %v", ErrInvalid, err)
		}
	case "log.level":
		if _, perr := log.ParseLevel(val); perr != nil {
			err = fmt.Errorf("%w: %v", ErrInvalid, perr)
		} else {
			global.LogLevel = val
		}
	default:
		if metric, ok := strings.CutPrefix(key, "threshold."); ok {
			var th health.Threshold
			th, err = parseThreshold(metric, val)
			if err == nil {
				global.Thresholds = global.Thresholds.Merge(health.Thresholds{metric: th})
			}
		}
		// Other unknown keys are ignored for forward compatibility.
	}
	return err
}

func parseThreshold(metric, val string) (health.Threshold, error) {
	parts := strings.Split(val, ",")
	if metric == "" || len(parts) != 2 {
		return health.Threshold{}, fmt.Errorf("%w: threshold.%s must be healthy,degraded: %q", ErrInvalid, metric, val)
	}
	healthy, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return health.Threshold{}, fmt.Errorf("%w: threshold.%s: %v", ErrInvalid, metric, err)
	}
	degraded, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return health.Threshold{}, fmt.Errorf("%w: threshold.%s: %v", ErrInvalid, metric, err)
	}
	return health.Threshold{HealthyMax: healthy, DegradedMax: degraded}, nil
}

func parseMetricsMode(val string) (MetricsMode, error) {
	switch MetricsMode(val) {
	case MetricsModePerTarget, MetricsModeAggregated, MetricsModeBoth:
		return MetricsMode(val), nil
	}
	return "", fmt.Errorf("%w: invalid metrics.mode: %q", ErrInvalid, val)
}

func parseDuration(key, val string) (time.Duration, error) {
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s: %v", ErrInvalid, key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: %s must not be negative: %s", ErrInvalid, key, val)
	}
	return d, nil
}

func parsePositiveDuration(key, val string) (time.Duration, error) {
	d, err := parseDuration(key, val)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return 0, fmt.Errorf("%w: %s must be positive", ErrInvalid, key)
	}
	return d, nil
}

func parseInt(key, val string) (int, error) {
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s: %v", ErrInvalid, key, err)
	}
	return n, nil
}

// Validate rejects option values that cannot be run.
func (g GlobalOptions) Validate() error {
	if g.Interval <= 0 {
		return fmt.Errorf("%w: interval must be positive, got %s", ErrInvalid, g.Interval)
	}
	if g.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive, got %s", ErrInvalid, g.Timeout)
	}
	if g.DevicesInterval < 0 {
		return fmt.Errorf("%w: devices.interval must not be negative", ErrInvalid)
	}
	if g.Window < 1 {
		return fmt.Errorf("%w: window must be at least 1, got %d", ErrInvalid, g.Window)
	}
	if g.MaxConcurrency < 0 {
		return fmt.Errorf("%w: max_concurrency must not be negative, got %d", ErrInvalid, g.MaxConcurrency)
	}
	if _, err := parseMetricsMode(string(g.MetricsMode)); err != nil {
		return err
	}
	if _, err := log.ParseLevel(g.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := g.Thresholds.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func applyCLIOverrides(global *GlobalOptions, overrides CLIOverrides) {
	if overrides.Interval != nil {
		global.Interval = *overrides.Interval
	}
	if overrides.Timeout != nil {
		global.Timeout = *overrides.Timeout
	}
	if overrides.MaxConcurrency != nil {
		global.MaxConcurrency = *overrides.MaxConcurrency
	}
	if overrides.Window != nil {
		global.Window = *overrides.Window
	}
	if overrides.MetricsMode != nil {
		global.MetricsMode = *overrides.MetricsMode
	}
	if overrides.MetricsListen != nil {
		global.MetricsListen = normalizeListen(*overrides.MetricsListen)
	}
	if overrides.APIListen != nil {
		global.APIListen = normalizeListen(*overrides.APIListen)
	}
	if overrides.UIDisable != nil {
		global.UIDisable = *overrides.UIDisable
	}
	if overrides.LogLevel != nil {
		global.LogLevel = *overrides.LogLevel
	}
}

// normalizeListen turns a bare port into ":port".
func normalizeListen(val string) string {
	if isDigits(val) {
		return ":" + val
	}
	return val
}

func isDigits(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
