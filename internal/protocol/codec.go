package protocol

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
)

func init() {
	gob.Register(&Envelope{})
	gob.Register(&ProcessDescriptor{})
	gob.Register(&Join{})
	gob.Register(&Terminate{})
	gob.Register(&Kill{})
	gob.Register(SendRef{})
	gob.Register(RecvRef{})
	gob.Register([]any{})
	gob.Register(map[string]any{})
}

var ErrUnknownCodec = errors.New("unknown codec")

// Codec turns one message into one self-contained blob and back.
type Codec interface {
	Name() string
	EncodeToBytes(msg Message) ([]byte, error)
	DecodeFromBytes(data []byte) (Message, error)
}

// NewCodec returns the codec registered under name. An empty name selects gob.
func NewCodec(name string) (Codec, error) {
	switch name {
	case "", "gob":
		return NewGobCodec(), nil
	case "cbor":
		return CBOR()
	case "protobuf", "proto":
		return Protobuf(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// RegisterPayload makes a concrete payload type transportable by the gob
// codec. Both ends of a link must register the same types.
func RegisterPayload(value any) {
	gob.Register(value)
}

// GobCodec preserves Go payload types exactly. Every blob carries its own
// type information so datagrams can be decoded independently.
type GobCodec struct{}

func NewGobCodec() *GobCodec {
	return &GobCodec{}
}

func (c *GobCodec) Name() string { return "gob" }

func (c *GobCodec) Encode(w io.Writer, msg Message) error {
	return gob.NewEncoder(w).Encode(&msg)
}

func (c *GobCodec) Decode(r io.Reader) (Message, error) {
	var msg Message
	if err := gob.NewDecoder(r).Decode(&msg); err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, errors.New("decoded nil message")
	}
	return msg, nil
}

func (c *GobCodec) EncodeToBytes(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.Encode(&buf, msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *GobCodec) DecodeFromBytes(data []byte) (Message, error) {
	return c.Decode(bytes.NewReader(data))
}
