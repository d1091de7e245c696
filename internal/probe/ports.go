package probe

import (
	"context"
	"net"
	"sort"
	"strconv"
	"sync"
)

var wellKnownServices = map[int]string{
	21:   "ftp",
	22:   "ssh",
	23:   "telnet",
	25:   "smtp",
	53:   "domain",
	80:   "http",
	110:  "pop3",
	123:  "ntp",
	139:  "netbios-ssn",
	143:  "imap",
	161:  "snmp",
	443:  "https",
	445:  "microsoft-ds",
	554:  "rtsp",
	631:  "ipp",
	993:  "imaps",
	995:  "pop3s",
	1883: "mqtt",
	3306: "mysql",
	3389: "ms-wbt-server",
	5432: "postgresql",
	5900: "vnc",
	8080: "http-proxy",
	8443: "https-alt",
}

// ServiceName returns the conventional service for a TCP port, or "" when unknown.
func ServiceName(port int) string {
	return wellKnownServices[port]
}

// ContextDialer opens TCP connections.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// connectScan tries a TCP handshake with each port and reports the ones that accept.
func (p *Prober) connectScan(ctx context.Context, ip string, ports []int) ([]Port, error) {
	sem := make(chan struct{}, p.cfg.ScanConcurrency)
	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		open []Port
	)
	for _, port := range ports {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return nil, ctx.Err()
		}
		wg.Add(1)
		go func(port int) {
			defer wg.Done()
			defer func() { <-sem }()

			dialCtx, cancel := context.WithTimeout(ctx, p.cfg.PortTimeout)
			defer cancel()
			conn, err := p.dialer.DialContext(dialCtx, "tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
			if err != nil {
				return
			}
			_ = conn.Close()

			mu.Lock()
			open = append(open, Port{Port: port, Protocol: "tcp", Service: ServiceName(port), State: "open"})
			mu.Unlock()
		}(port)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sort.Slice(open, func(i, j int) bool { return open[i].Port < open[j].Port })
	return open, nil
}
