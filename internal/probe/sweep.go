package probe

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	maxSweepHosts = 1024
	arpTablePath  = "/proc/net/arp"
)

// Resolver performs reverse lookups for discovered hosts.
type Resolver interface {
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

// sweep pings every host address of network and returns the responsive hosts.
func (p *Prober) sweep(ctx context.Context, network *net.IPNet) ([]Device, error) {
	hosts, err := hostAddrs(network)
	if err != nil {
		return nil, err
	}

	sem := make(chan struct{}, p.cfg.SweepConcurrency)
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		devices []Device
	)
	for _, host := range hosts {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return nil, ctx.Err()
		}
		wg.Add(1)
		go func(ip string) {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := p.pinger.Ping(ctx, ip, p.cfg.EchoTimeout); err != nil {
				return
			}
			dev := Device{IP: ip, Status: "up", Hostname: p.lookupHostname(ctx, ip)}
			mu.Lock()
			devices = append(devices, dev)
			mu.Unlock()
		}(host)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	macs := p.readARP()
	for i := range devices {
		devices[i].MAC = macs[devices[i].IP]
	}
	sort.Slice(devices, func(i, j int) bool {
		return ipLess(devices[i].IP, devices[j].IP)
	})
	return devices, nil
}

func (p *Prober) lookupHostname(ctx context.Context, ip string) string {
	if p.resolver == nil {
		return ""
	}
	lookupCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	names, err := p.resolver.LookupAddr(lookupCtx, ip)
	if err != nil || len(names) == 0 {
		return ""
	}
	return strings.TrimSuffix(names[0], ".")
}

func (p *Prober) readARP() map[string]string {
	if p.arpPath == "" {
		return nil
	}
	f, err := os.Open(p.arpPath)
	if err != nil {
		return nil
	}
	defer f.Close()
	return parseARPTable(bufio.NewScanner(f))
}

// parseARPTable reads the Linux /proc/net/arp layout: IP, HW type, flags, HW address, mask, device.
func parseARPTable(scanner *bufio.Scanner) map[string]string {
	out := make(map[string]string)
	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}
		if fields[3] == "00:00:00:00:00:00" {
			continue
		}
		out[fields[0]] = fields[3]
	}
	return out
}

// hostAddrs lists the usable IPv4 host addresses of network.
func hostAddrs(network *net.IPNet) ([]string, error) {
	base := network.IP.To4()
	if base == nil {
		return nil, fmt.Errorf("device discovery supports IPv4 subnets only: %s", network)
	}
	ones, bits := network.Mask.Size()
	size := 1 << uint(bits-ones)
	if size-2 > maxSweepHosts {
		return nil, fmt.Errorf("subnet %s is too large to sweep (max %d hosts)", network, maxSweepHosts)
	}

	start := binary.BigEndian.Uint32(base.Mask(network.Mask))
	first, last := 1, size-1
	if size <= 2 {
		first, last = 0, size
	}
	hosts := make([]string, 0, size)
	for i := first; i < last; i++ {
		ip := make(net.IP, 4)
		binary.BigEndian.PutUint32(ip, start+uint32(i))
		hosts = append(hosts, ip.String())
	}
	return hosts, nil
}

func ipLess(a, b string) bool {
	ipA, ipB := net.ParseIP(a).To4(), net.ParseIP(b).To4()
	if ipA == nil || ipB == nil {
		return a < b
	}
	return binary.BigEndian.Uint32(ipA) < binary.BigEndian.Uint32(ipB)
}
