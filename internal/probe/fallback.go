package probe

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync/atomic"
	"syscall"
	"time"
)

// FallbackPinger starts on primary. The first permission failure switches every later
// echo to secondary; other primary errors are returned as is.
type FallbackPinger struct {
	primary   Pinger
	secondary Pinger
	degraded  atomic.Bool
}

func NewFallbackPinger(primary, secondary Pinger) *FallbackPinger {
	return &FallbackPinger{primary: primary, secondary: secondary}
}

func (p *FallbackPinger) Ping(ctx context.Context, addr string, timeout time.Duration) (time.Duration, error) {
	if p.degraded.Load() {
		return p.secondary.Ping(ctx, addr, timeout)
	}
	rtt, err := p.primary.Ping(ctx, addr, timeout)
	if err == nil || !isPermissionError(err) {
		return rtt, err
	}
	p.degraded.Store(true)
	return p.secondary.Ping(ctx, addr, timeout)
}

// isPermissionError matches unprivileged raw socket failures. Some platforms only report
// them as text.
func isPermissionError(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, os.ErrPermission), errors.Is(err, syscall.EPERM):
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"operation not permitted", "permission denied"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
