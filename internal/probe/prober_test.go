package probe

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doridoridoriand/linkwatch/internal/health"
	"github.com/doridoridoriand/linkwatch/internal/series"
)

type scriptedPinger struct {
	mu      sync.Mutex
	replies map[string][]error
	rtt     time.Duration
	calls   map[string]int
}

func (s *scriptedPinger) Ping(ctx context.Context, addr string, timeout time.Duration) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	n := s.calls[addr]
	s.calls[addr] = n + 1
	script, ok := s.replies[addr]
	if !ok {
		return 0, errors.New("no reply")
	}
	if n < len(script) && script[n] != nil {
		return 0, script[n]
	}
	return s.rtt, nil
}

type fixedLoad struct {
	load Load
	err  error
}

func (f fixedLoad) Sample(context.Context) (Load, error) { return f.load, f.err }

type fixedBinder struct {
	res BindingResult
	err error
}

func (f fixedBinder) Bind(context.Context, string, time.Duration) (BindingResult, error) {
	return f.res, f.err
}

type staticResolver map[string]string

func (r staticResolver) LookupAddr(_ context.Context, addr string) ([]string, error) {
	if name, ok := r[addr]; ok {
		return []string{name + "."}, nil
	}
	return nil, errors.New("not found")
}

func sampleByMetric(samples []series.Sample) map[string]series.Sample {
	out := make(map[string]series.Sample, len(samples))
	for _, s := range samples {
		out[s.Metric] = s
	}
	return out
}

func fixedClock() time.Time { return time.Unix(1700000000, 0) }

func TestFetchMetricsAveragesEchoesAndReportsLoss(t *testing.T) {
	pinger := &scriptedPinger{
		replies: map[string][]error{"10.0.0.1": {nil, errors.New("lost"), nil, nil}},
		rtt:     30 * time.Millisecond,
	}
	p := NewProber(pinger, ProberConfig{}, WithClock(fixedClock))

	samples, err := p.FetchMetrics(context.Background(), Target{ID: "wan", Address: "10.0.0.1"})
	require.NoError(t, err)
	byMetric := sampleByMetric(samples)
	require.Len(t, byMetric, 2)

	latency, ok := byMetric[health.MetricLatency].Float()
	require.True(t, ok)
	assert.InDelta(t, 30.0, latency, 0.001)
	loss, ok := byMetric[health.MetricPacketLoss].Float()
	require.True(t, ok)
	assert.InDelta(t, 25.0, loss, 0.001)
	assert.Equal(t, fixedClock(), byMetric[health.MetricLatency].Time)
	assert.Equal(t, DefaultEchoCount, pinger.calls["10.0.0.1"])
}

func TestFetchMetricsUnreachable(t *testing.T) {
	p := NewProber(&scriptedPinger{}, ProberConfig{})

	_, err := p.FetchMetrics(context.Background(), Target{ID: "wan", Address: "10.0.0.9", EchoCount: 2})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnreachable))
}

func TestFetchMetricsHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pinger := PingerFunc(func(ctx context.Context, _ string, _ time.Duration) (time.Duration, error) {
		return 0, ctx.Err()
	})

	_, err := NewProber(pinger, ProberConfig{}).FetchMetrics(ctx, Target{ID: "wan", Address: "10.0.0.1"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFetchMetricsIncludesLocalLoadAndSTUN(t *testing.T) {
	pinger := &scriptedPinger{replies: map[string][]error{"10.0.0.1": nil}, rtt: 5 * time.Millisecond}
	p := NewProber(pinger, ProberConfig{},
		WithLoadSampler(fixedLoad{load: Load{CPU: 12.5, RAM: 60}}),
		WithBinder(fixedBinder{res: BindingResult{RTT: 42 * time.Millisecond, PublicAddr: "203.0.113.5:40000"}}),
	)

	samples, err := p.FetchMetrics(context.Background(), Target{
		ID: "wan", Address: "10.0.0.1", SystemLocal: true, STUNServer: "stun.example.net:3478",
	})
	require.NoError(t, err)
	byMetric := sampleByMetric(samples)

	cpu, _ := byMetric[health.MetricCPU].Float()
	ram, _ := byMetric[health.MetricRAM].Float()
	stunRTT, _ := byMetric[health.MetricSTUNLatency].Float()
	assert.InDelta(t, 12.5, cpu, 0.001)
	assert.InDelta(t, 60.0, ram, 0.001)
	assert.InDelta(t, 42.0, stunRTT, 0.001)
}

func TestFetchMetricsRecordsMissingAuxiliaryReadings(t *testing.T) {
	pinger := &scriptedPinger{replies: map[string][]error{"10.0.0.1": nil}, rtt: 5 * time.Millisecond}
	p := NewProber(pinger, ProberConfig{},
		WithLoadSampler(fixedLoad{err: errors.New("no procfs")}),
		WithBinder(fixedBinder{err: errors.New("stun timeout")}),
	)

	samples, err := p.FetchMetrics(context.Background(), Target{
		ID: "wan", Address: "10.0.0.1", SystemLocal: true, STUNServer: "stun.example.net",
	})
	require.NoError(t, err)
	byMetric := sampleByMetric(samples)
	for _, metric := range []string{health.MetricCPU, health.MetricRAM, health.MetricSTUNLatency} {
		s, ok := byMetric[metric]
		require.True(t, ok, metric)
		assert.True(t, s.IsUnreachable(), metric)
	}
	assert.False(t, byMetric[health.MetricLatency].IsUnreachable())
}

func TestFetchDeviceListSweepsSubnet(t *testing.T) {
	pinger := &scriptedPinger{replies: map[string][]error{
		"192.168.7.10": nil,
		"192.168.7.2":  nil,
	}, rtt: time.Millisecond}
	p := NewProber(pinger, ProberConfig{SweepConcurrency: 4},
		WithResolver(staticResolver{"192.168.7.2": "printer.lan"}),
		WithARPTable(""),
	)

	devices, err := p.FetchDeviceList(context.Background(), Target{ID: "lan", Address: "192.168.7.1", Subnet: "192.168.7.0/28"})
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "192.168.7.2", devices[0].IP)
	assert.Equal(t, "printer.lan", devices[0].Hostname)
	assert.Equal(t, "up", devices[0].Status)
	assert.Equal(t, "192.168.7.10", devices[1].IP)
	assert.Empty(t, devices[1].Hostname)
}

func TestFetchDeviceListRejectsLargeSubnet(t *testing.T) {
	p := NewProber(&scriptedPinger{}, ProberConfig{})
	_, err := p.FetchDeviceList(context.Background(), Target{ID: "lan", Subnet: "10.0.0.0/16"})
	assert.Error(t, err)
}

func TestScanPortsFindsListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	open := ln.Addr().(*net.TCPAddr).Port

	closed, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closedPort := closed.Addr().(*net.TCPAddr).Port
	closed.Close()

	p := NewProber(&scriptedPinger{}, ProberConfig{PortTimeout: 200 * time.Millisecond})
	ports, err := p.ScanPorts(context.Background(), Target{ID: "lan", Ports: []int{closedPort, open}}, "127.0.0.1")
	require.NoError(t, err)
	require.Len(t, ports, 1)
	assert.Equal(t, Port{Port: open, Protocol: "tcp", Service: ServiceName(open), State: "open"}, ports[0])
}

func TestScanPortsRejectsInvalidIP(t *testing.T) {
	p := NewProber(&scriptedPinger{}, ProberConfig{})
	_, err := p.ScanPorts(context.Background(), Target{ID: "lan"}, "not-an-ip")
	assert.Error(t, err)
}

func TestHostAddrs(t *testing.T) {
	_, network, _ := net.ParseCIDR("10.1.2.0/29")
	hosts, err := hostAddrs(network)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.1.2.1", "10.1.2.2", "10.1.2.3", "10.1.2.4", "10.1.2.5", "10.1.2.6"}, hosts)

	_, single, _ := net.ParseCIDR("10.1.2.9/32")
	hosts, err = hostAddrs(single)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.1.2.9"}, hosts)

	_, v6, _ := net.ParseCIDR("2001:db8::/120")
	_, err = hostAddrs(v6)
	assert.Error(t, err)
}

func TestParseARPTable(t *testing.T) {
	table := strings.Join([]string{
		"IP address       HW type     Flags       HW address            Mask     Device",
		"192.168.1.1      0x1         0x2         aa:bb:cc:dd:ee:01     *        eth0",
		"192.168.1.20     0x1         0x0         00:00:00:00:00:00     *        eth0",
		"garbage",
	}, "\n")

	macs := parseARPTable(bufio.NewScanner(strings.NewReader(table)))
	assert.Equal(t, map[string]string{"192.168.1.1": "aa:bb:cc:dd:ee:01"}, macs)
}

func TestParsePorts(t *testing.T) {
	ports, err := ParsePorts("443, 22,80-82,22")
	require.NoError(t, err)
	assert.Equal(t, []int{22, 80, 81, 82, 443}, ports)

	for _, bad := range []string{"", "0", "70000", "90-80", "ssh"} {
		_, err := ParsePorts(bad)
		assert.Error(t, err, bad)
	}
}

func TestDefaultPorts(t *testing.T) {
	ports := DefaultPorts()
	require.Len(t, ports, 1024)
	assert.Equal(t, 1, ports[0])
	assert.Equal(t, 1024, ports[len(ports)-1])
}

func TestSubnetFor(t *testing.T) {
	network, err := SubnetFor(Target{ID: "a", Address: "192.168.4.77"})
	require.NoError(t, err)
	assert.Equal(t, "192.168.4.0/24", network.String())

	network, err = SubnetFor(Target{ID: "b", Address: "192.168.4.77", Subnet: "10.9.0.0/22"})
	require.NoError(t, err)
	assert.Equal(t, "10.9.0.0/22", network.String())

	_, err = SubnetFor(Target{ID: "c", Address: "router.example.net"})
	assert.Error(t, err)
	_, err = SubnetFor(Target{ID: "d", Subnet: "10.0.0.0/99"})
	assert.Error(t, err)
}

func TestServiceName(t *testing.T) {
	assert.Equal(t, "ssh", ServiceName(22))
	assert.Equal(t, "https", ServiceName(443))
	assert.Empty(t, ServiceName(40000))
}
