package metrics

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/doridoridoriand/linkwatch/internal/config"
	"github.com/doridoridoriand/linkwatch/internal/health"
	"github.com/doridoridoriand/linkwatch/internal/state"
)

// Server exposes Prometheus-style metrics based on current state.
type Server struct {
	mode   config.MetricsMode
	reader state.Reader
}

// NewServer constructs a metrics server.
func NewServer(mode config.MetricsMode, reader state.Reader) *Server {
	return &Server{mode: mode, reader: reader}
}

// Handler returns an http handler that serves metrics.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		bw := bufio.NewWriter(w)
		defer bw.Flush()
		s.writeMetrics(bw)
	})
}

func (s *Server) writeMetrics(w *bufio.Writer) {
	if s.mode == "" {
		return
	}
	snapshot := s.reader.Snapshot()

	if s.mode == config.MetricsModeAggregated || s.mode == config.MetricsModeBoth {
		writeAggregated(w, snapshot)
	}
	if s.mode == config.MetricsModePerTarget || s.mode == config.MetricsModeBoth {
		writePerTarget(w, snapshot)
	}
}

func writeAggregated(w *bufio.Writer, snapshot []state.TargetStatus) {
	counts := make(map[health.Tier]int)
	stale := 0
	for _, target := range snapshot {
		counts[target.Tier]++
		if target.Stale {
			stale++
		}
	}
	fmt.Fprintf(w, "linkwatch_targets_total %d\n", len(snapshot))
	fmt.Fprintf(w, "linkwatch_targets_healthy %d\n", counts[health.TierHealthy])
	fmt.Fprintf(w, "linkwatch_targets_degraded %d\n", counts[health.TierDegraded])
	fmt.Fprintf(w, "linkwatch_targets_critical %d\n", counts[health.TierCritical])
	fmt.Fprintf(w, "linkwatch_targets_unknown %d\n", len(snapshot)-counts[health.TierHealthy]-counts[health.TierDegraded]-counts[health.TierCritical])
	fmt.Fprintf(w, "linkwatch_targets_stale %d\n", stale)
}

// tierValue maps a tier onto a gauge: 0 unknown, 1 healthy, 2 degraded, 3 critical.
func tierValue(t health.Tier) int {
	switch t {
	case health.TierHealthy:
		return 1
	case health.TierDegraded:
		return 2
	case health.TierCritical:
		return 3
	}
	return 0
}

func writePerTarget(w *bufio.Writer, snapshot []state.TargetStatus) {
	for _, target := range snapshot {
		labels := fmt.Sprintf(
			`target="%s",address="%s",group="%s",kind="%s"`,
			escapeLabel(target.ID),
			escapeLabel(target.Address),
			escapeLabel(target.Group),
			escapeLabel(string(target.Kind)),
		)
		up := 0
		if target.ConsecutiveOK > 0 {
			up = 1
		}
		fmt.Fprintf(w, "linkwatch_target_up{%s} %d\n", labels, up)
		fmt.Fprintf(w, "linkwatch_target_health{%s} %d\n", labels, tierValue(target.Tier))
		fmt.Fprintf(w, "linkwatch_target_probes_total{%s,result=\"success\"} %d\n", labels, target.TotalSuccess)
		fmt.Fprintf(w, "linkwatch_target_probes_total{%s,result=\"failure\"} %d\n", labels, target.TotalFailure)

		metricNames := make([]string, 0, len(target.Latest))
		for name := range target.Latest {
			metricNames = append(metricNames, name)
		}
		sort.Strings(metricNames)
		for _, name := range metricNames {
			value, ok := target.Value(name)
			if !ok {
				continue
			}
			fmt.Fprintf(w, "linkwatch_target_value{%s,metric=\"%s\"} %g\n", labels, escapeLabel(name), value)
		}
		if !target.DevicesUpdatedAt.IsZero() {
			fmt.Fprintf(w, "linkwatch_target_devices{%s} %d\n", labels, len(target.Devices))
		}
	}
}

func escapeLabel(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "\\n")
	return value
}

// Serve starts an HTTP server and blocks until context cancellation.
func Serve(ctx context.Context, addr string, mode config.MetricsMode, reader state.Reader) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", NewServer(mode, reader).Handler())
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		_ = server.Shutdown(context.Background())
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return context.Canceled
		}
		return err
	}
}
