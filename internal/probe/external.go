package probe

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"time"
)

var rttPattern = regexp.MustCompile(`time[=<]([0-9.]+)\s*ms`)

// ExternalPinger runs the system ping binary. It is the fallback for hosts where raw
// ICMP sockets are not permitted.
type ExternalPinger struct {
	command string
}

// NewExternalPinger returns a pinger that runs "ping" from PATH.
func NewExternalPinger() *ExternalPinger {
	return &ExternalPinger{command: "ping"}
}

// Ping sends one echo. When the output carries no time= field the wall clock of the
// command is used instead.
func (p *ExternalPinger) Ping(ctx context.Context, addr string, timeout time.Duration) (time.Duration, error) {
	start := time.Now()
	out, err := exec.CommandContext(ctx, p.command, pingArgs(runtime.GOOS, addr, timeout)...).CombinedOutput()
	if err != nil {
		return 0, fmt.Errorf("external ping %s: %w", addr, err)
	}
	if rtt := parseRTT(out); rtt > 0 {
		return rtt, nil
	}
	return time.Since(start), nil
}

// pingArgs builds a one-echo command line. BSD and Windows ping take the reply wait in
// milliseconds, iputils in whole seconds.
func pingArgs(goos, addr string, timeout time.Duration) []string {
	switch goos {
	case "windows":
		return []string{"-n", "1", "-w", waitMillis(timeout), addr}
	case "darwin":
		return []string{"-n", "-c", "1", "-W", waitMillis(timeout), addr}
	}
	sec := max(int(timeout.Seconds()+0.5), 1)
	return []string{"-n", "-c", "1", "-W", strconv.Itoa(sec), addr}
}

func waitMillis(d time.Duration) string {
	return strconv.FormatInt(max(d.Milliseconds(), 100), 10)
}

func parseRTT(output []byte) time.Duration {
	m := rttPattern.FindSubmatch(output)
	if len(m) < 2 {
		return 0
	}
	ms, err := strconv.ParseFloat(string(m[1]), 64)
	if err != nil {
		return 0
	}
	return time.Duration(ms * float64(time.Millisecond))
}
