package nat

import (
	"errors"
	"fmt"
)

var (
	ErrConnectionRefused = errors.New("rendezvous server refused the connection request")
	ErrHandshakeStall    = errors.New("handshake with peer stalled")
	ErrMalformedReply    = errors.New("malformed rendezvous reply")
	ErrPeerMismatch      = errors.New("datagram from unexpected address")
	ErrPayloadTooLarge   = errors.New("payload does not fit in one datagram")
	ErrDuplicateSequence = errors.New("duplicate sequence number")
	ErrReorderOverflow   = errors.New("sequence too far ahead of last delivered")
	ErrSessionClosed     = errors.New("session closed")
)

// ReplyError carries the raw datagram the rendezvous server answered with.
type ReplyError struct {
	Reply []byte
	Err   error
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("%v: %q", e.Err, e.Reply)
}

func (e *ReplyError) Unwrap() error {
	return e.Err
}
