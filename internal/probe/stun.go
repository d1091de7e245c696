package probe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pion/stun/v3"
)

// BindingResult is the outcome of one STUN binding request.
type BindingResult struct {
	RTT        time.Duration
	PublicAddr string
}

// Binder performs a STUN binding request against a server.
type Binder interface {
	Bind(ctx context.Context, server string, timeout time.Duration) (BindingResult, error)
}

// STUNBinder talks to STUN servers with pion/stun.
type STUNBinder struct{}

// Bind measures the binding round trip and returns the mapped public address.
func (STUNBinder) Bind(ctx context.Context, server string, timeout time.Duration) (BindingResult, error) {
	uriStr := strings.TrimSpace(server)
	if uriStr == "" {
		return BindingResult{}, fmt.Errorf("empty STUN server")
	}
	if !strings.HasPrefix(uriStr, "stun:") {
		uriStr = "stun:" + uriStr
	}
	uri, err := stun.ParseURI(uriStr)
	if err != nil {
		return BindingResult{}, err
	}

	client, err := stun.DialURI(uri, &stun.DialConfig{})
	if err != nil {
		return BindingResult{}, err
	}
	defer client.Close()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		addr string
		err  error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		var mapped stun.XORMappedAddress
		err := client.Do(stun.MustBuild(stun.TransactionID, stun.BindingRequest), func(ev stun.Event) {
			if ev.Error != nil {
				done <- outcome{err: ev.Error}
				return
			}
			if err := mapped.GetFrom(ev.Message); err != nil {
				done <- outcome{err: err}
				return
			}
			done <- outcome{addr: mapped.String()}
		})
		if err != nil {
			select {
			case done <- outcome{err: err}:
			default:
			}
		}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return BindingResult{}, res.err
		}
		return BindingResult{RTT: time.Since(start), PublicAddr: res.addr}, nil
	case <-ctx.Done():
		return BindingResult{}, ctx.Err()
	}
}
