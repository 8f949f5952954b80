package channel

import (
	"context"
	"errors"
	"sync"

	"github.com/rudransh-shrivastava/mead/internal/protocol"
)

// DefaultBuffer is the number of values a pipe holds before Send blocks.
const DefaultBuffer = 64

var (
	ErrClosed        = errors.New("channel closed")
	ErrEnvelopeValue = errors.New("envelopes cannot be sent through a channel")
)

type pipe struct {
	id     protocol.ChannelID
	values chan any

	closeOnce sync.Once
	closed    chan struct{}
}

func newPipe(id protocol.ChannelID, buffer int) *pipe {
	return &pipe{
		id:     id,
		values: make(chan any, buffer),
		closed: make(chan struct{}),
	}
}

// SendEnd is the writing half of a channel.
type SendEnd struct {
	p *pipe
}

func (s *SendEnd) ID() protocol.ChannelID {
	return s.p.id
}

// Send enqueues v. It blocks while the pipe is full and fails fast on
// envelopes, which only exist between bridge tasks and peers.
func (s *SendEnd) Send(ctx context.Context, v any) error {
	switch v.(type) {
	case protocol.Envelope, *protocol.Envelope:
		return ErrEnvelopeValue
	}

	select {
	case <-s.p.closed:
		return ErrClosed
	default:
	}

	select {
	case s.p.values <- v:
		return nil
	case <-s.p.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close marks the end of the stream. Values already queued are still
// delivered. Close is idempotent.
func (s *SendEnd) Close() error {
	s.p.closeOnce.Do(func() {
		close(s.p.closed)
	})
	return nil
}

// ReceiveEnd is the reading half of a channel.
type ReceiveEnd struct {
	p *pipe
}

func (r *ReceiveEnd) ID() protocol.ChannelID {
	return r.p.id
}

// Recv returns the next value in send order. Once the send end is closed and
// every queued value has been read it returns ErrClosed.
func (r *ReceiveEnd) Recv(ctx context.Context) (any, error) {
	select {
	case v := <-r.p.values:
		return v, nil
	default:
	}

	select {
	case v := <-r.p.values:
		return v, nil
	case <-r.p.closed:
		select {
		case v := <-r.p.values:
			return v, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Closed is closed once the send end has been closed.
func (r *ReceiveEnd) Closed() <-chan struct{} {
	return r.p.closed
}
