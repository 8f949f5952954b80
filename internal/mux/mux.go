package mux

import (
	"errors"
	"fmt"

	"github.com/rudransh-shrivastava/mead/internal/protocol"
)

var ErrProtocolViolation = errors.New("protocol violation")

// Frame is a decoded inbound blob. It is one of EnvelopeFrame, SignalFrame
// or DescriptorFrame.
type Frame interface {
	frame()
}

type EnvelopeFrame struct {
	Envelope *protocol.Envelope
}

type SignalFrame struct {
	Signal protocol.Signal
}

type DescriptorFrame struct {
	Descriptor *protocol.ProcessDescriptor
}

func (EnvelopeFrame) frame()   {}
func (SignalFrame) frame()     {}
func (DescriptorFrame) frame() {}

// Encode wraps a payload for the channel id.
func Encode(id protocol.ChannelID, v any) *protocol.Envelope {
	return &protocol.Envelope{ChannelID: id, Payload: v}
}

// Decode turns one blob into a routable frame. A blob that decodes to
// anything other than an envelope, a signal or a descriptor is a protocol
// violation.
func Decode(codec protocol.Codec, blob []byte) (Frame, error) {
	msg, err := codec.DecodeFromBytes(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	return Classify(msg)
}

// Classify sorts an already decoded message.
func Classify(msg protocol.Message) (Frame, error) {
	switch m := msg.(type) {
	case *protocol.Envelope:
		return EnvelopeFrame{Envelope: m}, nil
	case protocol.Envelope:
		return EnvelopeFrame{Envelope: &m}, nil
	case *protocol.Join:
		return SignalFrame{Signal: *m}, nil
	case *protocol.Terminate:
		return SignalFrame{Signal: *m}, nil
	case *protocol.Kill:
		return SignalFrame{Signal: *m}, nil
	case protocol.Signal:
		return SignalFrame{Signal: m}, nil
	case *protocol.ProcessDescriptor:
		return DescriptorFrame{Descriptor: m}, nil
	default:
		return nil, fmt.Errorf("%w: unexpected %T", ErrProtocolViolation, msg)
	}
}
