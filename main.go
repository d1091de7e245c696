package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/doridoridoriand/linkwatch/internal/api"
	"github.com/doridoridoriand/linkwatch/internal/cli"
	"github.com/doridoridoriand/linkwatch/internal/config"
	"github.com/doridoridoriand/linkwatch/internal/health"
	"github.com/doridoridoriand/linkwatch/internal/log"
	"github.com/doridoridoriand/linkwatch/internal/metrics"
	"github.com/doridoridoriand/linkwatch/internal/monitor"
	"github.com/doridoridoriand/linkwatch/internal/probe"
	"github.com/doridoridoriand/linkwatch/internal/reconcile"
	"github.com/doridoridoriand/linkwatch/internal/scheduler"
	"github.com/doridoridoriand/linkwatch/internal/state"
	"github.com/doridoridoriand/linkwatch/internal/ui"
)

const version = "0.1.0"

type cliFlags struct {
	interval       cli.OptionalDuration
	timeout        cli.OptionalDuration
	maxConcurrency cli.OptionalInt
	window         cli.OptionalInt
	metricsMode    cli.OptionalMetricsMode
	metricsListen  cli.OptionalString
	apiListen      cli.OptionalString
	noUI           cli.OptionalBool
	logLevel       cli.OptionalLevel
	logFile        string
	printToken     bool
	version        bool
}

func main() {
	var f cliFlags
	flag.Var(&f.interval, "interval", "metrics probe interval per target (override config)")
	flag.Var(&f.interval, "i", "metrics probe interval per target (override config)")
	flag.Var(&f.timeout, "timeout", "metrics probe timeout (override config)")
	flag.Var(&f.timeout, "t", "metrics probe timeout (override config)")
	flag.Var(&f.maxConcurrency, "max-concurrency", "max probes in flight (override config)")
	flag.Var(&f.window, "window", "samples kept per metric (override config)")
	flag.Var(&f.metricsMode, "metrics-mode", "metrics mode: per-target|aggregated|both")
	flag.Var(&f.metricsListen, "metrics-listen", "metrics listen address (e.g. :9100)")
	flag.Var(&f.apiListen, "api-listen", "HTTP API listen address (e.g. :8080)")
	flag.Var(&f.noUI, "no-ui", "disable TUI (log only)")
	flag.Var(&f.logLevel, "log-level", "log level: debug|info|warn|error")
	flag.StringVar(&f.logFile, "log-file", "", "write logs to this file (default stderr, discarded while the TUI runs)")
	flag.BoolVar(&f.printToken, "print-token", false, "print an API token signed with api.secret and exit")
	flag.BoolVar(&f.version, "version", false, "show version")
	flag.BoolVar(&f.version, "v", false, "show version")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [options] <config-file>\n\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "Options:")
		flag.PrintDefaults()
	}

	flag.Parse()

	if f.version {
		fmt.Fprintf(os.Stdout, "linkwatch version %s\n", version)
		return
	}

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		os.Exit(1)
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := run(ctx, args[0], f, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "linkwatch: %v\n", err)
		os.Exit(1)
	}
}

func buildOverrides(f cliFlags) config.CLIOverrides {
	return config.CLIOverrides{
		Interval:       f.interval.Override(),
		Timeout:        f.timeout.Override(),
		MaxConcurrency: f.maxConcurrency.Override(),
		Window:         f.window.Override(),
		MetricsMode:    f.metricsMode.Override(),
		MetricsListen:  f.metricsListen.Override(),
		APIListen:      f.apiListen.Override(),
		UIDisable:      f.noUI.Override(),
		LogLevel:       f.logLevel.Override(),
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// requestReload queues a reload without blocking when one is already pending.
func requestReload(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// loadTargets parses path and resolves every target definition.
func loadTargets(path string, overrides config.CLIOverrides) (*config.Config, []state.Target, error) {
	cfg, err := config.LinkwatchParser{}.LoadConfig(path, overrides)
	if err != nil {
		return nil, nil, err
	}
	targets, err := cfg.ResolveTargets()
	if err != nil {
		return nil, nil, err
	}
	return cfg, targets, nil
}

// newLogger logs to logFile when given. Without one, stderr is used unless the TUI owns
// the terminal.
func newLogger(global config.GlobalOptions, logFile string, tui bool) (*log.Logger, func() error, error) {
	level, err := log.ParseLevel(global.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	logger := log.NewLogger(level)
	switch {
	case logFile != "":
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		logger.SetOutput(file)
		return logger, file.Close, nil
	case tui:
		logger.SetOutput(io.Discard)
	}
	return logger, func() error { return nil }, nil
}

func engineConfig(global config.GlobalOptions, classifier *health.Classifier) monitor.Config {
	return monitor.Config{
		Scheduler: scheduler.Config{
			Timeout:        global.Timeout,
			DevicesTimeout: global.DevicesTimeout,
			MaxConcurrency: global.MaxConcurrency,
		},
		ScanTimeout: global.ScanTimeout,
		Registry: []state.RegistryOption{
			state.WithWindowSize(global.Window),
			state.WithClassifier(classifier),
			state.WithStaleAfter(global.StaleAfter),
		},
	}
}

func run(ctx context.Context, path string, f cliFlags, stdout io.Writer) error {
	overrides := buildOverrides(f)
	cfg, targets, err := loadTargets(path, overrides)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	global := cfg.Global

	auth := api.NewAuth(global.APISecret, 0)
	if f.printToken {
		token, err := auth.Mint("cli")
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, token)
		return nil
	}

	tui := !global.UIDisable
	logger, closeLog, err := newLogger(global, f.logFile, tui)
	if err != nil {
		return err
	}
	defer closeLog()
	logger.LogConfigLoad(true, path, nil)

	classifier, err := health.NewClassifier(global.Thresholds)
	if err != nil {
		return fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reloadCh := make(chan struct{}, 1)
	hub := api.NewHub(logger)
	var view *ui.UI
	renderers := reconcile.Renderers{hub}
	if tui {
		view = ui.New(global, nil, reloadCh)
		renderers = append(renderers, view)
	}

	prober := probe.NewProber(probe.NewSystemPinger(), probe.ProberConfig{})
	engine := monitor.New(engineConfig(global, classifier), prober, renderers, logger)
	if view != nil {
		view.SetScanner(engine)
	}
	if _, err := engine.SyncTargets(targets); err != nil {
		return fmt.Errorf("failed to register targets: %w", err)
	}
	if !tui {
		fmt.Fprintf(stdout, "monitoring %d targets\n", len(targets))
	}

	errCh := make(chan error, 4)
	running := 0
	spawn := func(name string, fn func(context.Context) error) {
		running++
		go func() {
			err := fn(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.LogError(name, err, nil)
				err = fmt.Errorf("%s: %w", name, err)
			}
			errCh <- err
		}()
	}

	spawn("engine", engine.Run)
	if global.MetricsListen != "" {
		spawn("metrics", func(ctx context.Context) error {
			return metrics.Serve(ctx, global.MetricsListen, global.MetricsMode, engine)
		})
	}
	if global.APIListen != "" {
		server := api.NewServer(engine, hub,
			api.WithAuth(auth),
			api.WithRateLimiter(api.NewRateLimiter(100, 200)),
			api.WithMetrics(metrics.NewServer(global.MetricsMode, engine).Handler()),
			api.WithLogger(logger),
		)
		spawn("api", func(ctx context.Context) error { return server.Serve(ctx, global.APIListen) })
	}
	if view != nil {
		spawn("ui", view.Run)
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	var firstErr error
	for running > 0 {
		select {
		case <-hup:
			requestReload(reloadCh)
		case <-reloadCh:
			reload(engine, path, overrides, logger)
		case err := <-errCh:
			running--
			if firstErr == nil {
				firstErr = err
			}
			// any component ending stops the rest; for the TUI that is the user quitting
			cancel()
		}
	}
	if errors.Is(firstErr, context.Canceled) {
		return nil
	}
	return firstErr
}

// reload re-reads the config and reconciles the registered targets. Global settings that
// size the scheduler or registry only take effect on restart.
func reload(engine *monitor.Engine, path string, overrides config.CLIOverrides, logger *log.Logger) {
	_, targets, err := loadTargets(path, overrides)
	if err != nil {
		logger.LogConfigLoad(false, path, err)
		return
	}
	changes, err := engine.SyncTargets(targets)
	if err != nil {
		logger.LogError("reload", err, nil)
	}
	logger.Info("config reloaded", map[string]interface{}{
		"path":     path,
		"added":    changes.Added,
		"removed":  changes.Removed,
		"replaced": changes.Replaced,
	})
}
