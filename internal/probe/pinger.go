package probe

import (
	"context"
	"time"
)

// Pinger sends one echo request and returns the round-trip time.
type Pinger interface {
	Ping(ctx context.Context, addr string, timeout time.Duration) (time.Duration, error)
}

// PingerFunc adapts a function to the Pinger interface.
type PingerFunc func(ctx context.Context, addr string, timeout time.Duration) (time.Duration, error)

// Ping calls f.
func (f PingerFunc) Ping(ctx context.Context, addr string, timeout time.Duration) (time.Duration, error) {
	return f(ctx, addr, timeout)
}

// NewSystemPinger returns raw-socket ICMP with the ping command as a fallback for unprivileged runs.
func NewSystemPinger() Pinger {
	return NewFallbackPinger(NewICMPPinger(), NewExternalPinger())
}
