package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const echoPayload = "linkwatch"

// ICMPPinger sends echo requests on a raw socket. It needs CAP_NET_RAW or root; see
// FallbackPinger for unprivileged hosts.
type ICMPPinger struct {
	id  int
	seq uint32
}

// NewICMPPinger uses the process id as the echo identifier.
func NewICMPPinger() *ICMPPinger {
	return &ICMPPinger{id: os.Getpid() & 0xffff}
}

// Ping sends one echo request and waits for the matching reply.
func (p *ICMPPinger) Ping(ctx context.Context, addr string, timeout time.Duration) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	dst, err := resolveIP(addr)
	if err != nil {
		return 0, err
	}

	proto := protoFor(dst.IP)
	conn, err := icmp.ListenPacket(proto.network, "")
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	seq := int(atomic.AddUint32(&p.seq, 1) & 0xffff)
	msg := icmp.Message{
		Type: proto.request,
		Body: &icmp.Echo{ID: p.id, Seq: seq, Data: []byte(echoPayload)},
	}
	wire, err := msg.Marshal(nil)
	if err != nil {
		return 0, err
	}

	if err := conn.SetDeadline(effectiveDeadline(ctx, timeout)); err != nil {
		return 0, err
	}

	start := time.Now()
	if _, err := conn.WriteTo(wire, dst); err != nil {
		return 0, err
	}

	buf := make([]byte, 1500)
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return 0, fmt.Errorf("echo timeout: %w", err)
			}
			return 0, err
		}
		// a raw socket sees every echo reply on the host, so filter on id and seq
		if peer != nil && proto.isReply(buf[:n], p.id, seq) {
			return time.Since(start), nil
		}
	}
}

func (proto icmpProto) isReply(packet []byte, id, seq int) bool {
	reply, err := icmp.ParseMessage(proto.number, packet)
	if err != nil || reply.Type != proto.reply {
		return false
	}
	body, ok := reply.Body.(*icmp.Echo)
	return ok && body.ID == id && body.Seq == seq
}

type icmpProto struct {
	network string
	number  int
	request icmp.Type
	reply   icmp.Type
}

func protoFor(ip net.IP) icmpProto {
	if ip.To4() != nil {
		return icmpProto{
			network: "ip4:icmp",
			number:  ipv4.ICMPTypeEcho.Protocol(),
			request: ipv4.ICMPTypeEcho,
			reply:   ipv4.ICMPTypeEchoReply,
		}
	}
	return icmpProto{
		network: "ip6:ipv6-icmp",
		number:  ipv6.ICMPTypeEchoRequest.Protocol(),
		request: ipv6.ICMPTypeEchoRequest,
		reply:   ipv6.ICMPTypeEchoReply,
	}
}

func resolveIP(addr string) (*net.IPAddr, error) {
	ipAddr, err := net.ResolveIPAddr("ip", addr)
	if err != nil {
		return nil, err
	}
	if ipAddr.IP == nil {
		return nil, fmt.Errorf("invalid IP address: %s", addr)
	}
	return ipAddr, nil
}

// effectiveDeadline is now+timeout, or the context deadline when that comes first.
func effectiveDeadline(ctx context.Context, timeout time.Duration) time.Time {
	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		return ctxDeadline
	}
	return deadline
}
