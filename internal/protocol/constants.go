package protocol

const (
	LengthPrefixSize = 16
	MaxLengthDigits  = LengthPrefixSize
	SequenceSize     = 4
	MaxDatagramSize  = 65507
	MaxPayloadSize   = MaxDatagramSize - SequenceSize
)

// Control tokens travel alone in the length prefix slot and are never
// followed by a body.
const (
	TokenRefresh = "refresh"
	TokenConfirm = "confirm"
)

type MessageType uint16

const (
	MsgDescriptor MessageType = 0x0010
	MsgEnvelope   MessageType = 0x0001
	MsgJoin       MessageType = 0x0020
	MsgKill       MessageType = 0x0022
	MsgTerminate  MessageType = 0x0021
)

func (t MessageType) String() string {
	switch t {
	case MsgDescriptor:
		return "DESCRIPTOR"
	case MsgEnvelope:
		return "ENVELOPE"
	case MsgJoin:
		return "JOIN"
	case MsgKill:
		return "KILL"
	case MsgTerminate:
		return "TERMINATE"
	default:
		return "UNKNOWN"
	}
}

// IsSignal reports whether messages of this type are lifecycle signals.
func (t MessageType) IsSignal() bool {
	return t == MsgJoin || t == MsgTerminate || t == MsgKill
}
