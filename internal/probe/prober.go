package probe

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/doridoridoriand/linkwatch/internal/health"
	"github.com/doridoridoriand/linkwatch/internal/series"
)

// ProberConfig tunes the built-in collaborator.
type ProberConfig struct {
	EchoTimeout      time.Duration
	SweepConcurrency int
	ScanConcurrency  int
	PortTimeout      time.Duration
	STUNTimeout      time.Duration
}

// DefaultProberConfig returns the settings used when a field is left zero.
func DefaultProberConfig() ProberConfig {
	return ProberConfig{
		EchoTimeout:      time.Second,
		SweepConcurrency: 64,
		ScanConcurrency:  100,
		PortTimeout:      500 * time.Millisecond,
		STUNTimeout:      2 * time.Second,
	}
}

func (c ProberConfig) withDefaults() ProberConfig {
	def := DefaultProberConfig()
	if c.EchoTimeout <= 0 {
		c.EchoTimeout = def.EchoTimeout
	}
	if c.SweepConcurrency <= 0 {
		c.SweepConcurrency = def.SweepConcurrency
	}
	if c.ScanConcurrency <= 0 {
		c.ScanConcurrency = def.ScanConcurrency
	}
	if c.PortTimeout <= 0 {
		c.PortTimeout = def.PortTimeout
	}
	if c.STUNTimeout <= 0 {
		c.STUNTimeout = def.STUNTimeout
	}
	return c
}

// Prober is the network-backed Collaborator.
type Prober struct {
	cfg      ProberConfig
	pinger   Pinger
	load     LoadSampler
	binder   Binder
	resolver Resolver
	dialer   ContextDialer
	arpPath  string
	now      func() time.Time
}

// Option customizes a Prober.
type Option func(*Prober)

// WithLoadSampler replaces the host load reader.
func WithLoadSampler(s LoadSampler) Option {
	return func(p *Prober) { p.load = s }
}

// WithBinder replaces the STUN client.
func WithBinder(b Binder) Option {
	return func(p *Prober) { p.binder = b }
}

// WithResolver replaces the reverse DNS resolver. A nil resolver disables hostname lookups.
func WithResolver(r Resolver) Option {
	return func(p *Prober) { p.resolver = r }
}

// WithDialer replaces the TCP dialer used for port scans.
func WithDialer(d ContextDialer) Option {
	return func(p *Prober) { p.dialer = d }
}

// WithARPTable sets the neighbor table path. An empty path disables MAC lookups.
func WithARPTable(path string) Option {
	return func(p *Prober) { p.arpPath = path }
}

// WithClock replaces the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(p *Prober) { p.now = now }
}

// NewProber builds a Prober around pinger.
func NewProber(pinger Pinger, cfg ProberConfig, opts ...Option) *Prober {
	p := &Prober{
		cfg:      cfg.withDefaults(),
		pinger:   pinger,
		load:     HostLoadSampler{},
		binder:   STUNBinder{},
		resolver: net.DefaultResolver,
		dialer:   &net.Dialer{},
		arpPath:  arpTablePath,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// FetchMetrics pings the target EchoCount times and reports average latency and loss.
// It fails with ErrUnreachable when no echo was answered.
func (p *Prober) FetchMetrics(ctx context.Context, target Target) ([]series.Sample, error) {
	count := target.EchoCount
	if count <= 0 {
		count = DefaultEchoCount
	}

	var (
		total    time.Duration
		received int
		lastErr  error
	)
	for i := 0; i < count; i++ {
		rtt, err := p.pinger.Ping(ctx, target.Address, p.cfg.EchoTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		total += rtt
		received++
	}
	if received == 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, target.Address, lastErr)
		}
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, target.Address)
	}

	at := p.now()
	latency := float64(total.Microseconds()) / float64(received) / 1000
	loss := float64(count-received) * 100 / float64(count)
	samples := []series.Sample{
		series.NewSample(health.MetricLatency, latency, at),
		series.NewSample(health.MetricPacketLoss, loss, at),
	}

	if target.SystemLocal && p.load != nil {
		if load, err := p.load.Sample(ctx); err == nil {
			samples = append(samples,
				series.NewSample(health.MetricCPU, load.CPU, at),
				series.NewSample(health.MetricRAM, load.RAM, at))
		} else {
			samples = append(samples,
				series.Unreachable(health.MetricCPU, at),
				series.Unreachable(health.MetricRAM, at))
		}
	}

	if target.STUNServer != "" && p.binder != nil {
		if res, err := p.binder.Bind(ctx, target.STUNServer, p.cfg.STUNTimeout); err == nil {
			samples = append(samples, series.NewSample(health.MetricSTUNLatency, float64(res.RTT.Microseconds())/1000, at))
		} else {
			samples = append(samples, series.Unreachable(health.MetricSTUNLatency, at))
		}
	}
	return samples, nil
}

// FetchDeviceList sweeps the target's subnet for hosts answering echo requests.
func (p *Prober) FetchDeviceList(ctx context.Context, target Target) ([]Device, error) {
	network, err := SubnetFor(target)
	if err != nil {
		return nil, err
	}
	return p.sweep(ctx, network)
}

// ScanPorts connects to the target's configured ports, or 1-1024, on deviceIP.
func (p *Prober) ScanPorts(ctx context.Context, target Target, deviceIP string) ([]Port, error) {
	if net.ParseIP(deviceIP) == nil {
		return nil, fmt.Errorf("invalid device ip %q", deviceIP)
	}
	ports := target.Ports
	if len(ports) == 0 {
		ports = DefaultPorts()
	}
	return p.connectScan(ctx, deviceIP, ports)
}
