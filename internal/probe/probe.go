package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/doridoridoriand/linkwatch/internal/series"
)

// ErrUnreachable is returned when a target did not answer any probe.
var ErrUnreachable = errors.New("target unreachable")

// DefaultEchoCount is the number of echo requests averaged into one latency sample.
const DefaultEchoCount = 4

// Target carries what a probe needs to reach a monitored link or device.
type Target struct {
	ID          string
	Address     string
	Subnet      string
	Ports       []int
	EchoCount   int
	SystemLocal bool
	STUNServer  string
}

// Device is a host found on a link's local network.
type Device struct {
	IP       string `json:"ip"`
	Hostname string `json:"hostname"`
	MAC      string `json:"mac"`
	Vendor   string `json:"vendor"`
	Status   string `json:"status"`
}

// Port is an open port found on a device.
type Port struct {
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	Service  string `json:"service"`
	State    string `json:"state"`
}

// Collaborator fetches live data for a target. Implementations must honor ctx cancellation.
type Collaborator interface {
	FetchMetrics(ctx context.Context, target Target) ([]series.Sample, error)
	FetchDeviceList(ctx context.Context, target Target) ([]Device, error)
	ScanPorts(ctx context.Context, target Target, deviceIP string) ([]Port, error)
}

// DefaultPorts returns the port range scanned when a target does not configure one.
func DefaultPorts() []int {
	ports := make([]int, 0, 1024)
	for p := 1; p <= 1024; p++ {
		ports = append(ports, p)
	}
	return ports
}

// ParsePorts parses a port list such as "22,80,8000-8080".
func ParsePorts(spec string) ([]int, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("empty port list")
	}
	seen := make(map[int]struct{})
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		lo, hi := part, part
		if idx := strings.IndexByte(part, '-'); idx >= 0 {
			lo, hi = part[:idx], part[idx+1:]
		}
		start, err := parsePort(lo)
		if err != nil {
			return nil, err
		}
		end, err := parsePort(hi)
		if err != nil {
			return nil, err
		}
		if start > end {
			return nil, fmt.Errorf("invalid port range: %q", part)
		}
		for p := start; p <= end; p++ {
			seen[p] = struct{}{}
		}
	}
	ports := make([]int, 0, len(seen))
	for p := range seen {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports, nil
}

func parsePort(value string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid port: %q", value)
	}
	if n < 1 || n > 65535 {
		return 0, fmt.Errorf("port out of range: %d", n)
	}
	return n, nil
}

// SubnetFor returns the configured subnet, or the /24 around an IPv4 address.
func SubnetFor(target Target) (*net.IPNet, error) {
	if target.Subnet != "" {
		_, network, err := net.ParseCIDR(target.Subnet)
		if err != nil {
			return nil, fmt.Errorf("invalid subnet %q: %w", target.Subnet, err)
		}
		return network, nil
	}
	ip := net.ParseIP(target.Address)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("no subnet configured for %s and address is not IPv4", target.ID)
	}
	mask := net.CIDRMask(24, 32)
	return &net.IPNet{IP: ip.To4().Mask(mask), Mask: mask}, nil
}
