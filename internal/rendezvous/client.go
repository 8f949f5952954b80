package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rudransh-shrivastava/mead/internal/protocol"
)

var ErrNoResetReply = errors.New("rendezvous server did not confirm reset")

// Reset clears the channel table of the server at addr.
func Reset(ctx context.Context, addr string) error {
	raddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return err
	}
	conn, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(3 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return err
	}

	if _, err := conn.Write([]byte(protocol.RendezvousReset)); err != nil {
		return err
	}

	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoResetReply, err)
	}
	if string(buf[:n]) != protocol.RendezvousResetComplete {
		return fmt.Errorf("%w: got %q", ErrNoResetReply, buf[:n])
	}
	return nil
}
