package nat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rudransh-shrivastava/mead/internal/protocol"
)

// Run drives the live session: one goroutine drains Outbound onto the
// socket, one reads the socket into Inbound. It returns when ctx is done or
// the socket fails, and closes Inbound on the way out.
func (s *Session) Run(ctx context.Context) error {
	if s.State() == Closed {
		return ErrSessionClosed
	}
	if s.State() != SteadyState {
		return fmt.Errorf("run in state %s: %w", s.State(), ErrHandshakeStall)
	}
	defer close(s.in)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.sendLoop(gctx) })
	g.Go(func() error { return s.recvLoop(gctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Session) sendLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.config.KeepAlive)
	defer ticker.Stop()

	// A peer that went live before us may still be waiting for a refresh
	// to answer.
	if err := s.write([]byte(protocol.TokenRefresh), s.peer); err != nil {
		s.logger.Debugf("Keepalive failed: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.write([]byte(protocol.TokenRefresh), s.peer); err != nil {
				if errors.Is(err, net.ErrClosed) {
					return err
				}
				s.logger.Debugf("Keepalive failed: %v", err)
			}
		case msg := <-s.out:
			s.sending.Store(true)
			err := s.send(msg)
			s.sending.Store(false)
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return err
				}
				s.logger.Warnf("Dropped outbound %s: %v", msg.Type(), err)
			}
		}
	}
}

// send writes the length prefix datagram and then the body datagram.
func (s *Session) send(msg protocol.Message) error {
	blob, err := s.config.Codec.EncodeToBytes(msg)
	if err != nil {
		return err
	}

	limit := protocol.MaxDatagramSize
	if s.config.Reliable {
		limit = protocol.MaxPayloadSize
	}
	if len(blob) > limit {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(blob))
	}

	prefix, err := protocol.LengthPrefix(len(blob))
	if err != nil {
		return err
	}

	if s.config.Reliable {
		s.localSeq++
		prefix = protocol.WithSequence(s.localSeq, prefix)
		s.localSeq++
		blob = protocol.WithSequence(s.localSeq, blob)
	}

	if err := s.write(prefix, s.peer); err != nil {
		return err
	}
	return s.write(blob, s.peer)
}

const pollInterval = 250 * time.Millisecond

const flushInterval = 10 * time.Millisecond

// Flush waits until every message queued on Outbound has been written to
// the socket. Run must be active for the queue to drain.
func (s *Session) Flush(ctx context.Context) error {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	// Two idle looks in a row, since a message can be between the queue
	// and the sending flag.
	idle := 0
	for {
		if len(s.out) == 0 && !s.sending.Load() {
			idle++
			if idle == 2 {
				return nil
			}
		} else {
			idle = 0
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Session) recvLoop(ctx context.Context) error {
	fr := &framer{}

	for _, datagram := range s.early {
		if err := s.accept(ctx, fr, datagram); err != nil {
			return err
		}
	}
	s.early = nil

	buf := make([]byte, protocol.MaxDatagramSize+1)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Short deadlines so cancellation is seen between datagrams.
		n, from, err := s.readUntil(buf, time.Now().Add(pollInterval))
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return err
		}

		if !sameAddr(from, s.peer) {
			s.logger.Warnf("%v: %s (peer is %s)", ErrPeerMismatch, from, s.peer)
			continue
		}

		if token, ok := protocol.ControlToken(buf[:n]); ok {
			if token == protocol.TokenRefresh {
				if err := s.write([]byte(protocol.TokenConfirm), s.peer); err != nil {
					s.logger.Debugf("Confirm failed: %v", err)
				}
			}
			continue
		}

		if err := s.accept(ctx, fr, append([]byte(nil), buf[:n]...)); err != nil {
			return err
		}
	}
}

// accept handles one application datagram, reordering it first when the
// session is reliable. Only context errors are returned.
func (s *Session) accept(ctx context.Context, fr *framer, datagram []byte) error {
	if !s.config.Reliable {
		return s.deliver(ctx, fr, datagram)
	}

	seq, body, err := protocol.SplitSequence(datagram)
	if err != nil {
		s.logger.Warnf("Dropped datagram: %v", err)
		return nil
	}
	if err := s.reorder.Push(seq, body); err != nil {
		s.logger.Warnf("Dropped datagram: %v", err)
		return nil
	}
	for _, ready := range s.reorder.Drain() {
		if err := s.deliver(ctx, fr, ready); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) deliver(ctx context.Context, fr *framer, datagram []byte) error {
	body, complete, err := fr.feed(datagram)
	if err != nil {
		s.logger.Warnf("Dropped datagram: %v", err)
		return nil
	}
	if !complete {
		return nil
	}

	select {
	case s.in <- body:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// framer pairs each length prefix with the body that follows it.
type framer struct {
	want    int
	waiting bool
}

// feed reports complete once datagram is the body announced by the
// previous prefix.
func (f *framer) feed(datagram []byte) ([]byte, bool, error) {
	if !f.waiting {
		n, err := protocol.ParseLengthPrefix(datagram)
		if err != nil {
			return nil, false, err
		}
		f.want = n
		f.waiting = true
		return nil, false, nil
	}

	want := f.want
	f.waiting = false
	if len(datagram) != want {
		// The body went missing. If this is the next prefix, resync on it.
		if n, err := protocol.ParseLengthPrefix(datagram); err == nil {
			f.want = n
			f.waiting = true
			return nil, false, fmt.Errorf("expected %d byte body, got the next length prefix", want)
		}
		return nil, false, fmt.Errorf("expected %d byte body, got %d bytes", want, len(datagram))
	}
	return datagram, true, nil
}
