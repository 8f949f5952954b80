package nat

import (
	"context"
	"fmt"
	"time"

	"github.com/jpillora/backoff"

	"github.com/rudransh-shrivastava/mead/internal/protocol"
)

func requestBackoff() *backoff.Backoff {
	return &backoff.Backoff{
		Min:    200 * time.Millisecond,
		Max:    2 * time.Second,
		Factor: 2,
		Jitter: true,
	}
}

func refreshBackoff() *backoff.Backoff {
	return &backoff.Backoff{
		Min:    50 * time.Millisecond,
		Max:    500 * time.Millisecond,
		Factor: 1.5,
		Jitter: true,
	}
}

// RequestForConnection registers the session's channel with the rendezvous
// server and waits for the partner's address. It returns a typed error
// instead of giving up on the process.
func (s *Session) RequestForConnection(ctx context.Context) error {
	s.setState(RequestingConnection)

	request := protocol.ConnectionRequest(s.config.Channel, uint16(s.config.NATClass))
	ack := string(protocol.RequestAck(s.config.Channel))
	buf := make([]byte, protocol.MaxDatagramSize)
	b := requestBackoff()
	giveUp := time.Now().Add(s.config.HandshakeTimeout)

	s.logger.Infof("Requesting connection from %s", s.server)

acked:
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(giveUp) {
			return fmt.Errorf("%w: no acknowledgement from %s", ErrHandshakeStall, s.server)
		}
		if err := s.write(request, s.server); err != nil {
			return fmt.Errorf("failed to send connection request: %w", err)
		}

		deadline := deadlineAfter(ctx, b.Duration())
		for {
			n, from, err := s.readUntil(buf, deadline)
			if err != nil {
				if isTimeout(err) {
					break
				}
				return err
			}
			if !sameAddr(from, s.server) {
				s.logger.Debugf("Dropped datagram from %s while requesting", from)
				continue
			}
			if string(buf[:n]) != ack {
				return &ReplyError{Reply: append([]byte(nil), buf[:n]...), Err: ErrConnectionRefused}
			}
			break acked
		}
	}

	if err := s.write([]byte(protocol.RendezvousAck), s.server); err != nil {
		return fmt.Errorf("failed to confirm request: %w", err)
	}
	s.setState(AwaitingPartner)
	s.logger.Infof("Request sent, waiting for partner in channel %q", s.config.Channel)

	// The partner may take a long time to show up. Keep confirming so the
	// server's mapping for us stays warm.
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, from, err := s.readUntil(buf, deadlineAfter(ctx, 2*time.Second))
		if err != nil {
			if isTimeout(err) {
				if err := s.write([]byte(protocol.RendezvousAck), s.server); err != nil {
					return fmt.Errorf("failed to confirm request: %w", err)
				}
				continue
			}
			return err
		}
		if !sameAddr(from, s.server) {
			continue
		}
		if string(buf[:n]) == ack {
			continue
		}

		peer, class, err := protocol.DecodePeerAddr(buf[:n])
		if err != nil {
			return &ReplyError{Reply: append([]byte(nil), buf[:n]...), Err: ErrMalformedReply}
		}
		s.peer = peer
		s.peerClass = NATClass(class)
		s.logger.Infof("Connected to %s with NAT type: %s", peer, s.peerClass)
		return nil
	}
}

// Handshake punches the hole. Both sides send refresh until they have
// received a confirm and answered a refresh with one of their own.
func (s *Session) Handshake(ctx context.Context) error {
	if s.peer == nil {
		return fmt.Errorf("%w: no peer negotiated", ErrHandshakeStall)
	}
	s.setState(Refreshing)

	var sentConfirm, gotConfirm bool
	buf := make([]byte, protocol.MaxDatagramSize)
	b := refreshBackoff()
	giveUp := time.Now().Add(s.config.HandshakeTimeout)
	attempts := 0

	for !(sentConfirm && gotConfirm) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(giveUp) {
			return fmt.Errorf("%w: %s after %d refreshes (sent confirm %t, got confirm %t)",
				ErrHandshakeStall, s.peer, attempts, sentConfirm, gotConfirm)
		}

		if err := s.write([]byte(protocol.TokenRefresh), s.peer); err != nil {
			s.logger.Debugf("Refresh to %s failed: %v", s.peer, err)
		}
		attempts++

		deadline := deadlineAfter(ctx, b.Duration())
		for !(sentConfirm && gotConfirm) {
			n, from, err := s.readUntil(buf, deadline)
			if err != nil {
				if isTimeout(err) {
					break
				}
				return err
			}
			if !sameAddr(from, s.peer) {
				s.logger.Debugf("Dropped datagram from %s during handshake", from)
				continue
			}

			token, ok := protocol.ControlToken(buf[:n])
			switch {
			case ok && token == protocol.TokenRefresh:
				if err := s.write([]byte(protocol.TokenConfirm), s.peer); err != nil {
					return fmt.Errorf("failed to confirm refresh: %w", err)
				}
				sentConfirm = true
			case ok && token == protocol.TokenConfirm:
				gotConfirm = true
			default:
				// The peer only sends data once it is live, so it has seen
				// our confirm and answered our refresh.
				s.early = append(s.early, append([]byte(nil), buf[:n]...))
				gotConfirm = true
				sentConfirm = true
			}
		}
	}

	s.setState(SteadyState)
	s.logger.Infof("Handshake with %s complete after %d refreshes", s.peer, attempts)
	return nil
}
