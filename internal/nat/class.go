package nat

import "fmt"

// NATClass describes how a peer's address translation behaves. It is
// exchanged during rendezvous and only ever logged.
type NATClass uint16

const (
	FullCone NATClass = iota
	RestrictedNAT
	RestrictedPortNAT
	Symmetric
	Unknown
)

func (c NATClass) String() string {
	switch c {
	case FullCone:
		return "Full Cone"
	case RestrictedNAT:
		return "Restrict NAT"
	case RestrictedPortNAT:
		return "Restrict Port NAT"
	case Symmetric:
		return "Symmetric NAT"
	case Unknown:
		return "Unknown NAT"
	default:
		return fmt.Sprintf("NATClass(%d)", uint16(c))
	}
}

// State is a session's position in the connection state machine.
type State int32

const (
	Idle State = iota
	RequestingConnection
	AwaitingPartner
	Refreshing
	SteadyState
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case RequestingConnection:
		return "requesting-connection"
	case AwaitingPartner:
		return "awaiting-partner"
	case Refreshing:
		return "refreshing"
	case SteadyState:
		return "steady-state"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}
