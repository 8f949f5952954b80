package protocol

import (
	"fmt"
	"reflect"

	cbor "github.com/fxamacker/cbor/v2"
)

const (
	tagSendRef = 40100
	tagRecvRef = 40101
)

type cborFrame struct {
	_    struct{} `cbor:",toarray"`
	Type MessageType
	Body cbor.RawMessage
}

// CBORCodec is a deterministic CBOR codec. Payloads decode into generic
// values: maps become map[string]any and integers become int64 or uint64.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func CBOR() (*CBORCodec, error) {
	tags := cbor.NewTagSet()
	opts := cbor.TagOptions{EncTag: cbor.EncTagRequired, DecTag: cbor.DecTagRequired}
	if err := tags.Add(opts, reflect.TypeOf(SendRef{}), tagSendRef); err != nil {
		return nil, err
	}
	if err := tags.Add(opts, reflect.TypeOf(RecvRef{}), tagRecvRef); err != nil {
		return nil, err
	}

	em, err := cbor.CanonicalEncOptions().EncModeWithTags(tags)
	if err != nil {
		return nil, err
	}
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecModeWithTags(tags)
	if err != nil {
		return nil, err
	}
	return &CBORCodec{enc: em, dec: dm}, nil
}

func (c *CBORCodec) Name() string { return "cbor" }

func (c *CBORCodec) EncodeToBytes(msg Message) ([]byte, error) {
	body, err := c.enc.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return c.enc.Marshal(cborFrame{Type: msg.Type(), Body: body})
}

func (c *CBORCodec) DecodeFromBytes(data []byte) (Message, error) {
	var frame cborFrame
	if err := c.dec.Unmarshal(data, &frame); err != nil {
		return nil, err
	}

	var msg Message
	switch frame.Type {
	case MsgEnvelope:
		msg = &Envelope{}
	case MsgDescriptor:
		msg = &ProcessDescriptor{}
	case MsgJoin:
		msg = &Join{}
	case MsgTerminate:
		msg = &Terminate{}
	case MsgKill:
		msg = &Kill{}
	default:
		return nil, fmt.Errorf("cbor: unknown message type 0x%04x", uint16(frame.Type))
	}

	if err := c.dec.Unmarshal(frame.Body, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
