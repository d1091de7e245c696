package metrics

import (
	"bufio"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/doridoridoriand/linkwatch/internal/config"
	"github.com/doridoridoriand/linkwatch/internal/health"
	"github.com/doridoridoriand/linkwatch/internal/probe"
	"github.com/doridoridoriand/linkwatch/internal/series"
	"github.com/doridoridoriand/linkwatch/internal/state"
)

type fakeReader struct {
	snapshot []state.TargetStatus
}

func (f fakeReader) Snapshot() []state.TargetStatus {
	return f.snapshot
}

func (f fakeReader) Get(id string) (state.TargetStatus, bool) {
	for _, s := range f.snapshot {
		if s.ID == id {
			return s, true
		}
	}
	return state.TargetStatus{}, false
}

func render(t *testing.T, fn func(*bufio.Writer)) string {
	t.Helper()
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	fn(w)
	if err := w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	return buf.String()
}

func TestWriteAggregated(t *testing.T) {
	snapshot := []state.TargetStatus{
		{Tier: health.TierHealthy},
		{Tier: health.TierDegraded},
		{Tier: health.TierCritical, Stale: true},
		{Tier: health.TierUnknown},
		{},
	}
	got := render(t, func(w *bufio.Writer) { writeAggregated(w, snapshot) })
	expected := strings.Join([]string{
		"linkwatch_targets_total 5",
		"linkwatch_targets_healthy 1",
		"linkwatch_targets_degraded 1",
		"linkwatch_targets_critical 1",
		"linkwatch_targets_unknown 2",
		"linkwatch_targets_stale 1",
		"",
	}, "\n")
	if got != expected {
		t.Fatalf("unexpected aggregated metrics:\n%s", got)
	}
}

func TestWriteMetricsEmptySnapshot(t *testing.T) {
	got := render(t, func(w *bufio.Writer) { writeAggregated(w, nil) })
	if !strings.HasPrefix(got, "linkwatch_targets_total 0\n") {
		t.Fatalf("expected zero totals, got %q", got)
	}
	if per := render(t, func(w *bufio.Writer) { writePerTarget(w, nil) }); per != "" {
		t.Fatalf("expected empty per-target metrics, got %q", per)
	}
}

func TestWritePerTarget(t *testing.T) {
	now := time.Now()
	snapshot := []state.TargetStatus{
		{
			ID: "wan1", Address: "203.0.113.1", Group: "WAN", Kind: state.KindLink,
			Tier: health.TierDegraded, ConsecutiveOK: 2, TotalSuccess: 5, TotalFailure: 1,
			Latest: map[string]series.Sample{
				health.MetricLatency:    series.NewSample(health.MetricLatency, 150, now),
				health.MetricPacketLoss: series.NewSample(health.MetricPacketLoss, 25, now),
				health.MetricCPU:        series.Unreachable(health.MetricCPU, now),
			},
			Devices:          []probe.Device{{IP: "192.168.1.2"}, {IP: "192.168.1.3"}},
			DevicesUpdatedAt: now,
		},
		{
			ID: "nas", Address: "192.168.1.9", Kind: state.KindDevice,
			Tier: health.TierUnknown, ConsecutiveNG: 3, TotalFailure: 3,
		},
	}
	got := render(t, func(w *bufio.Writer) { writePerTarget(w, snapshot) })

	wan := `target="wan1",address="203.0.113.1",group="WAN",kind="link"`
	nas := `target="nas",address="192.168.1.9",group="",kind="device"`
	for _, line := range []string{
		"linkwatch_target_up{" + wan + "} 1",
		"linkwatch_target_health{" + wan + "} 2",
		"linkwatch_target_probes_total{" + wan + `,result="success"} 5`,
		"linkwatch_target_probes_total{" + wan + `,result="failure"} 1`,
		"linkwatch_target_value{" + wan + `,metric="latency"} 150`,
		"linkwatch_target_value{" + wan + `,metric="packet_loss"} 25`,
		"linkwatch_target_devices{" + wan + "} 2",
		"linkwatch_target_up{" + nas + "} 0",
		"linkwatch_target_health{" + nas + "} 0",
	} {
		if !strings.Contains(got, line+"\n") {
			t.Fatalf("expected line %q in output:\n%s", line, got)
		}
	}
	if strings.Contains(got, `metric="cpu"`) {
		t.Fatalf("expected null samples to be omitted:\n%s", got)
	}
	if strings.Contains(got, "linkwatch_target_devices{"+nas) {
		t.Fatalf("expected no device gauge before the first refresh:\n%s", got)
	}
	if strings.Index(got, `metric="latency"`) > strings.Index(got, `metric="packet_loss"`) {
		t.Fatalf("expected metrics sorted by name:\n%s", got)
	}
}

func TestEscapeLabel(t *testing.T) {
	if got := escapeLabel(`a"b\c` + "\n"); got != `a\"b\\c\n` {
		t.Fatalf("unexpected escape: %q", got)
	}
}

func TestLabelEscaping(t *testing.T) {
	snapshot := []state.TargetStatus{{ID: `we"ird`, Address: `c:\path`, Group: "g"}}
	got := render(t, func(w *bufio.Writer) { writePerTarget(w, snapshot) })
	if !strings.Contains(got, `target="we\"ird",address="c:\\path"`) {
		t.Fatalf("expected escaped labels, got %s", got)
	}
}

func TestHandlerModes(t *testing.T) {
	reader := fakeReader{snapshot: []state.TargetStatus{{ID: "wan1", Tier: health.TierHealthy, ConsecutiveOK: 1}}}
	cases := []struct {
		mode          config.MetricsMode
		wantAggregate bool
		wantPerTarget bool
	}{
		{config.MetricsModePerTarget, false, true},
		{config.MetricsModeAggregated, true, false},
		{config.MetricsModeBoth, true, true},
		{"", false, false},
	}
	for _, tc := range cases {
		t.Run(string(tc.mode), func(t *testing.T) {
			rec := httptest.NewRecorder()
			NewServer(tc.mode, reader).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
			if rec.Code != http.StatusOK {
				t.Fatalf("expected status 200, got %d", rec.Code)
			}
			body := rec.Body.String()
			if got := strings.Contains(body, "linkwatch_targets_total 1"); got != tc.wantAggregate {
				t.Fatalf("aggregate presence %v, want %v:\n%s", got, tc.wantAggregate, body)
			}
			if got := strings.Contains(body, "linkwatch_target_up{"); got != tc.wantPerTarget {
				t.Fatalf("per-target presence %v, want %v:\n%s", got, tc.wantPerTarget, body)
			}
		})
	}
}

func TestHandlerResponseHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	NewServer(config.MetricsModeAggregated, fakeReader{}).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	expectedContentType := "text/plain; version=0.0.4"
	if contentType := rec.Header().Get("Content-Type"); contentType != expectedContentType {
		t.Fatalf("expected content type %q, got %q", expectedContentType, contentType)
	}
}

func TestHandlerUnsupportedMethods(t *testing.T) {
	server := NewServer(config.MetricsModeAggregated, fakeReader{})
	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch} {
		t.Run(method, func(t *testing.T) {
			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, httptest.NewRequest(method, "/metrics", nil))
			if rec.Code != http.StatusMethodNotAllowed {
				t.Fatalf("expected status 405 for %s method, got %d", method, rec.Code)
			}
		})
	}
}

func TestServeContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Serve(ctx, "127.0.0.1:0", config.MetricsModeAggregated, fakeReader{}); err == nil {
		t.Fatalf("expected context cancellation error")
	}
}

func TestServeInvalidAddress(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := Serve(ctx, "invalid-address", config.MetricsModeAggregated, fakeReader{})
	if err == nil {
		t.Fatalf("expected error for invalid address")
	}
	if err == context.Canceled || err == context.DeadlineExceeded {
		t.Fatalf("expected address error, got context error: %v", err)
	}
}

func TestServeGracefulShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- Serve(ctx, "127.0.0.1:0", config.MetricsModeAggregated, fakeReader{})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("server did not shutdown within timeout")
	}
}

func TestServeRegistrySnapshot(t *testing.T) {
	reg := state.NewRegistry()
	gen, err := reg.Add(state.Target{
		Target:   probe.Target{ID: "wan1", Address: "203.0.113.1"},
		Kind:     state.KindLink,
		Interval: time.Second,
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	reg.RecordMetrics("wan1", gen, []series.Sample{series.NewSample(health.MetricLatency, 20, time.Now())})

	rec := httptest.NewRecorder()
	NewServer(config.MetricsModeBoth, reg).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, "linkwatch_targets_healthy 1") {
		t.Fatalf("expected healthy target from registry, got %s", body)
	}
	if !strings.Contains(body, `metric="latency"} 20`) {
		t.Fatalf("expected latency value from registry, got %s", body)
	}
}
