package bridge

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/mead/internal/channel"
	"github.com/rudransh-shrivastava/mead/internal/mux"
	"github.com/rudransh-shrivastava/mead/internal/protocol"
)

// Injector moves blobs arriving from one peer into local channels. Signals
// go to Signals when it is set, descriptors to OnDescriptor. Every other
// blob must be an envelope for a routed channel.
type Injector struct {
	Codec   protocol.Codec
	Inbound <-chan []byte
	Routes  *Routes

	Signals      chan<- protocol.Signal
	OnDescriptor func(*protocol.ProcessDescriptor) error

	// OnError receives lookup failures. They mean the two ends of the link
	// disagree about which channels exist.
	OnError func(error)
	Logger  logrus.FieldLogger
}

func (in *Injector) logger() logrus.FieldLogger {
	if in.Logger == nil {
		return logrus.StandardLogger()
	}
	return in.Logger
}

// Run loops until ctx is done or the inbound stream ends. A single bad
// message never ends the loop.
func (in *Injector) Run(ctx context.Context) error {
	log := in.logger()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var blob []byte
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b, ok := <-in.Inbound:
			if !ok {
				log.Debug("Inbound stream closed")
				return nil
			}
			blob = b
		}

		if err := in.handle(ctx, blob); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			log.Warnf("Dropped inbound message: %v", err)
		}
	}
}

func (in *Injector) handle(ctx context.Context, blob []byte) error {
	frame, err := mux.Decode(in.Codec, blob)
	if err != nil {
		return err
	}

	switch f := frame.(type) {
	case mux.SignalFrame:
		if in.Signals == nil {
			return mux.ErrProtocolViolation
		}
		select {
		case in.Signals <- f.Signal:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}

	case mux.DescriptorFrame:
		if in.OnDescriptor == nil {
			return mux.ErrProtocolViolation
		}
		return in.OnDescriptor(f.Descriptor)

	case mux.EnvelopeFrame:
		end, err := in.Routes.Lookup(f.Envelope.ChannelID)
		if err != nil {
			in.logger().Errorf("Envelope for unrouted channel: %v", err)
			if in.OnError != nil {
				in.OnError(err)
			}
			return nil
		}
		if err := end.Send(ctx, f.Envelope.Payload); err != nil {
			if errors.Is(err, channel.ErrClosed) {
				in.logger().Debugf("Channel %s closed, dropping payload", f.Envelope.ChannelID)
				return nil
			}
			return err
		}
		return nil
	}

	return mux.ErrProtocolViolation
}
