package protocol

import (
	"bytes"
	"reflect"
	"testing"
	"time"
)

func TestCodecEnvelopeRoundTrip(t *testing.T) {
	codec := NewGobCodec()

	payload := map[string]any{"x": 1}
	data, err := codec.EncodeToBytes(&Envelope{ChannelID: 7, Payload: payload})
	if err != nil {
		t.Fatalf("EncodeToBytes failed: %v", err)
	}

	decoded, err := codec.DecodeFromBytes(data)
	if err != nil {
		t.Fatalf("DecodeFromBytes failed: %v", err)
	}

	env, ok := decoded.(*Envelope)
	if !ok {
		t.Fatalf("Expected *Envelope, got %T", decoded)
	}

	if env.ChannelID.String() != "7" {
		t.Errorf("Expected channel id 7, got %s", env.ChannelID)
	}

	if !reflect.DeepEqual(env.Payload, payload) {
		t.Errorf("Payload mismatch: %#v", env.Payload)
	}
}

func TestCodecEnvelopePayloadTypes(t *testing.T) {
	codec := NewGobCodec()

	payloads := []any{
		42,
		"hello",
		3.5,
		true,
		[]byte("raw"),
		[]any{1, "two", []any{3.0}},
		map[string]any{"nested": map[string]any{"list": []any{1, 2}}},
	}

	for _, payload := range payloads {
		data, err := codec.EncodeToBytes(&Envelope{ChannelID: 1, Payload: payload})
		if err != nil {
			t.Fatalf("Encode %T failed: %v", payload, err)
		}
		decoded, err := codec.DecodeFromBytes(data)
		if err != nil {
			t.Fatalf("Decode %T failed: %v", payload, err)
		}
		env := decoded.(*Envelope)
		if !reflect.DeepEqual(env.Payload, payload) {
			t.Errorf("Expected %#v, got %#v", payload, env.Payload)
		}
	}
}

type point struct {
	X, Y int
}

func TestCodecRegisteredPayload(t *testing.T) {
	RegisterPayload(point{})
	codec := NewGobCodec()

	data, err := codec.EncodeToBytes(&Envelope{ChannelID: 3, Payload: point{X: 1, Y: 2}})
	if err != nil {
		t.Fatalf("EncodeToBytes failed: %v", err)
	}

	decoded, err := codec.DecodeFromBytes(data)
	if err != nil {
		t.Fatalf("DecodeFromBytes failed: %v", err)
	}

	if got := decoded.(*Envelope).Payload; got != (point{X: 1, Y: 2}) {
		t.Errorf("Expected point{1 2}, got %#v", got)
	}
}

func TestCodecDescriptor(t *testing.T) {
	codec := NewGobCodec()
	var buf bytes.Buffer

	desc := &ProcessDescriptor{
		Target: "augment",
		Host:   "cc-2",
		Rank:   1,
		Args:   []any{SendRef{ID: 4}, RecvRef{ID: 5}, 10},
		Kwargs: map[string]any{"out": SendRef{ID: 6}, "label": "x"},
	}

	if err := codec.Encode(&buf, desc); err != nil {
		t.Fatalf("Encode descriptor failed: %v", err)
	}

	decoded, err := codec.Decode(&buf)
	if err != nil {
		t.Fatalf("Decode descriptor failed: %v", err)
	}

	got, ok := decoded.(*ProcessDescriptor)
	if !ok {
		t.Fatalf("Expected *ProcessDescriptor, got %T", decoded)
	}

	if !reflect.DeepEqual(got, desc) {
		t.Errorf("Descriptor mismatch: %#v", got)
	}

	if len(got.Refs()) != 3 {
		t.Errorf("Expected 3 refs, got %d", len(got.Refs()))
	}
}

func TestCodecSignals(t *testing.T) {
	codec := NewGobCodec()

	signals := []Message{
		&Join{Host: "cc-2", Timeout: 5 * time.Second},
		&Terminate{Host: "cc-2"},
		&Kill{Host: "cc-2"},
	}

	for _, sig := range signals {
		data, err := codec.EncodeToBytes(sig)
		if err != nil {
			t.Fatalf("Encode %s failed: %v", sig.Type(), err)
		}
		decoded, err := codec.DecodeFromBytes(data)
		if err != nil {
			t.Fatalf("Decode %s failed: %v", sig.Type(), err)
		}
		if !reflect.DeepEqual(decoded, sig) {
			t.Errorf("Expected %#v, got %#v", sig, decoded)
		}
		if !decoded.Type().IsSignal() {
			t.Errorf("Expected %s to be a signal", decoded.Type())
		}
		if _, ok := decoded.(Signal); !ok {
			t.Errorf("Expected %T to implement Signal", decoded)
		}
	}
}

func TestCodecDecodeGarbage(t *testing.T) {
	codec := NewGobCodec()

	if _, err := codec.DecodeFromBytes([]byte("definitely not gob")); err == nil {
		t.Error("Expected error decoding garbage")
	}
}

func TestCBORCodecRoundTrip(t *testing.T) {
	codec, err := CBOR()
	if err != nil {
		t.Fatalf("CBOR failed: %v", err)
	}

	data, err := codec.EncodeToBytes(&Envelope{ChannelID: 7, Payload: map[string]any{"x": 1}})
	if err != nil {
		t.Fatalf("EncodeToBytes failed: %v", err)
	}

	decoded, err := codec.DecodeFromBytes(data)
	if err != nil {
		t.Fatalf("DecodeFromBytes failed: %v", err)
	}

	env, ok := decoded.(*Envelope)
	if !ok {
		t.Fatalf("Expected *Envelope, got %T", decoded)
	}
	if env.ChannelID != 7 {
		t.Errorf("Expected channel 7, got %d", env.ChannelID)
	}

	m, ok := env.Payload.(map[string]any)
	if !ok {
		t.Fatalf("Expected map payload, got %T", env.Payload)
	}
	if n, ok := m["x"].(uint64); !ok || n != 1 {
		t.Errorf("Expected x=1, got %#v", m["x"])
	}
}

func TestCBORCodecDescriptorRefs(t *testing.T) {
	codec, err := CBOR()
	if err != nil {
		t.Fatalf("CBOR failed: %v", err)
	}

	desc := &ProcessDescriptor{
		Target: "augment",
		Args:   []any{SendRef{ID: 1}, RecvRef{ID: 2}},
		Kwargs: map[string]any{"out": SendRef{ID: 3}},
	}
	data, err := codec.EncodeToBytes(desc)
	if err != nil {
		t.Fatalf("EncodeToBytes failed: %v", err)
	}

	decoded, err := codec.DecodeFromBytes(data)
	if err != nil {
		t.Fatalf("DecodeFromBytes failed: %v", err)
	}

	got := decoded.(*ProcessDescriptor)
	if got.Args[0] != (SendRef{ID: 1}) || got.Args[1] != (RecvRef{ID: 2}) {
		t.Errorf("Positional refs mismatch: %#v", got.Args)
	}
	if got.Kwargs["out"] != (SendRef{ID: 3}) {
		t.Errorf("Keyword ref mismatch: %#v", got.Kwargs)
	}
}

func TestProtobufCodecRoundTrip(t *testing.T) {
	codec := Protobuf()

	desc := &ProcessDescriptor{
		Target: "augment",
		Host:   "cc-2",
		Rank:   2,
		Args:   []any{SendRef{ID: 1}, "label", 2.5},
		Kwargs: map[string]any{"in": RecvRef{ID: 9}},
	}
	data, err := codec.EncodeToBytes(desc)
	if err != nil {
		t.Fatalf("EncodeToBytes failed: %v", err)
	}

	decoded, err := codec.DecodeFromBytes(data)
	if err != nil {
		t.Fatalf("DecodeFromBytes failed: %v", err)
	}

	got := decoded.(*ProcessDescriptor)
	if got.Target != "augment" || got.Host != "cc-2" || got.Rank != 2 {
		t.Errorf("Header mismatch: %#v", got)
	}
	want := []any{SendRef{ID: 1}, "label", 2.5}
	if !reflect.DeepEqual(got.Args, want) {
		t.Errorf("Expected args %#v, got %#v", want, got.Args)
	}
	if got.Kwargs["in"] != (RecvRef{ID: 9}) {
		t.Errorf("Expected RecvRef 9, got %#v", got.Kwargs["in"])
	}

	data, err = codec.EncodeToBytes(&Join{Host: "cc-2", Timeout: time.Second})
	if err != nil {
		t.Fatalf("Encode join failed: %v", err)
	}
	decoded, err = codec.DecodeFromBytes(data)
	if err != nil {
		t.Fatalf("Decode join failed: %v", err)
	}
	if join := decoded.(*Join); join.Timeout != time.Second {
		t.Errorf("Expected 1s timeout, got %s", join.Timeout)
	}
}

func TestProtobufCodecDollarKeys(t *testing.T) {
	codec := Protobuf()

	payload := []any{
		map[string]any{"$send": "7"},
		map[string]any{"nested": map[string]any{"$recv": "3"}},
		map[string]any{"$$lit": "x"},
	}
	data, err := codec.EncodeToBytes(&Envelope{ChannelID: 4, Payload: payload})
	if err != nil {
		t.Fatalf("EncodeToBytes failed: %v", err)
	}
	decoded, err := codec.DecodeFromBytes(data)
	if err != nil {
		t.Fatalf("DecodeFromBytes failed: %v", err)
	}
	if got := decoded.(*Envelope).Payload; !reflect.DeepEqual(got, payload) {
		t.Errorf("Expected %#v, got %#v", payload, got)
	}
}

func TestProtobufCodecRejectsUnsupportedPayload(t *testing.T) {
	codec := Protobuf()

	if _, err := codec.EncodeToBytes(&Envelope{ChannelID: 1, Payload: point{}}); err == nil {
		t.Error("Expected error for struct payload")
	}
}

func TestNewCodec(t *testing.T) {
	for _, name := range []string{"", "gob", "cbor", "protobuf"} {
		c, err := NewCodec(name)
		if err != nil {
			t.Fatalf("NewCodec(%q) failed: %v", name, err)
		}
		if c.Name() == "" {
			t.Errorf("Expected a codec name for %q", name)
		}
	}

	if _, err := NewCodec("pickle"); err == nil {
		t.Error("Expected error for unknown codec")
	}
}
