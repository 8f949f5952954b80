package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	refSendKey = "$send"
	refRecvKey = "$recv"
)

// ProtobufCodec carries messages as google.protobuf.Struct values. Payloads
// are limited to what structpb can describe: nil, bool, numbers, strings,
// []any and map[string]any. Numbers decode as float64.
type ProtobufCodec struct {
	mo proto.MarshalOptions
	uo proto.UnmarshalOptions
}

func Protobuf() *ProtobufCodec {
	return &ProtobufCodec{
		mo: proto.MarshalOptions{Deterministic: true},
		uo: proto.UnmarshalOptions{},
	}
}

func (c *ProtobufCodec) Name() string { return "protobuf" }

func (c *ProtobufCodec) EncodeToBytes(msg Message) ([]byte, error) {
	fields := map[string]any{"type": msg.Type().String()}

	switch m := msg.(type) {
	case *Envelope:
		payload, err := toStructValue(m.Payload)
		if err != nil {
			return nil, err
		}
		fields["channel"] = m.ChannelID.String()
		fields["payload"] = payload
	case *ProcessDescriptor:
		args, err := toStructValue(m.Args)
		if err != nil {
			return nil, err
		}
		kwargs, err := toStructValue(m.Kwargs)
		if err != nil {
			return nil, err
		}
		fields["target"] = m.Target
		fields["host"] = m.Host
		fields["rank"] = m.Rank
		fields["args"] = args
		fields["kwargs"] = kwargs
	case *Join:
		fields["host"] = m.Host
		fields["timeout"] = strconv.FormatInt(int64(m.Timeout), 10)
	case *Terminate:
		fields["host"] = m.Host
	case *Kill:
		fields["host"] = m.Host
	default:
		return nil, fmt.Errorf("protobuf: unsupported message %T", msg)
	}

	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("protobuf: %w", err)
	}
	return c.mo.Marshal(st)
}

func (c *ProtobufCodec) DecodeFromBytes(data []byte) (Message, error) {
	var st structpb.Struct
	if err := c.uo.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	fields := st.AsMap()

	kind, _ := fields["type"].(string)
	host, _ := fields["host"].(string)

	switch kind {
	case MsgEnvelope.String():
		id, err := parseChannelID(fields["channel"])
		if err != nil {
			return nil, err
		}
		return &Envelope{ChannelID: id, Payload: fromStructValue(fields["payload"])}, nil
	case MsgDescriptor.String():
		d := &ProcessDescriptor{Host: host}
		d.Target, _ = fields["target"].(string)
		if rank, ok := fields["rank"].(float64); ok {
			d.Rank = int(rank)
		}
		if args, ok := fromStructValue(fields["args"]).([]any); ok {
			d.Args = args
		}
		if kwargs, ok := fromStructValue(fields["kwargs"]).(map[string]any); ok {
			d.Kwargs = kwargs
		}
		return d, nil
	case MsgJoin.String():
		raw, _ := fields["timeout"].(string)
		ns, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("protobuf: bad join timeout %q", raw)
		}
		return &Join{Host: host, Timeout: time.Duration(ns)}, nil
	case MsgTerminate.String():
		return &Terminate{Host: host}, nil
	case MsgKill.String():
		return &Kill{Host: host}, nil
	default:
		return nil, fmt.Errorf("protobuf: unknown message type %q", kind)
	}
}

func parseChannelID(v any) (ChannelID, error) {
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("protobuf: channel id is %T, want string", v)
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("protobuf: bad channel id %q", s)
	}
	return ChannelID(id), nil
}

func toStructValue(v any) (any, error) {
	switch val := v.(type) {
	case SendRef:
		return map[string]any{refSendKey: val.ID.String()}, nil
	case RecvRef:
		return map[string]any{refRecvKey: val.ID.String()}, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			conv, err := toStructValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = conv
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			conv, err := toStructValue(item)
			if err != nil {
				return nil, err
			}
			// User keys starting with $ gain one more so they never read
			// back as a channel ref.
			if strings.HasPrefix(k, "$") {
				k = "$" + k
			}
			out[k] = conv
		}
		return out, nil
	default:
		if _, err := structpb.NewValue(v); err != nil {
			return nil, fmt.Errorf("protobuf: payload %T: %w", v, err)
		}
		return v, nil
	}
}

func fromStructValue(v any) any {
	switch val := v.(type) {
	case []any:
		for i, item := range val {
			val[i] = fromStructValue(item)
		}
		return val
	case map[string]any:
		if len(val) == 1 {
			if raw, ok := val[refSendKey]; ok {
				if id, err := parseChannelID(raw); err == nil {
					return SendRef{ID: id}
				}
			}
			if raw, ok := val[refRecvKey]; ok {
				if id, err := parseChannelID(raw); err == nil {
					return RecvRef{ID: id}
				}
			}
		}
		out := make(map[string]any, len(val))
		for k, item := range val {
			if strings.HasPrefix(k, "$$") {
				k = k[1:]
			}
			out[k] = fromStructValue(item)
		}
		return out
	default:
		return v
	}
}
