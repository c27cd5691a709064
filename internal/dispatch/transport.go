package dispatch

import (
	"context"
	"net"
	"time"

	"github.com/restaurantpos/ordersync/pkg/errorbank"
)

// Transport delivers a rendered ticket to one station endpoint.
type Transport interface {
	Send(ctx context.Context, addr string, payload []byte) error
}

// tcpTransport writes tickets over a raw TCP connection, the protocol
// kitchen printers and most display controllers speak.
type tcpTransport struct {
	dialTimeout time.Duration
}

// NewTCPTransport returns the production transport.
func NewTCPTransport(dialTimeout time.Duration) Transport {
	return &tcpTransport{dialTimeout: dialTimeout}
}

func (t *tcpTransport) Send(ctx context.Context, addr string, payload []byte) error {
	dialer := net.Dialer{Timeout: t.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errorbank.TransientIO("station unreachable",
			errorbank.WithCause(err), errorbank.WithDetail("addr", addr))
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if _, err := conn.Write(payload); err != nil {
		return errorbank.TransientIO("station write failed",
			errorbank.WithCause(err), errorbank.WithDetail("addr", addr))
	}
	return nil
}
