package protocol

import (
	"strconv"
	"time"
)

// ChannelID identifies a channel within one registry and across the link
// that carries it.
type ChannelID uint64

func (id ChannelID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Message is the closed set of values that cross a peer link. The unexported
// method keeps other packages from adding members.
type Message interface {
	Type() MessageType
	isMessage()
}

// Signal is a lifecycle message addressed to the process running on Host.
type Signal interface {
	Message
	Hostname() string
}

type Envelope struct {
	ChannelID ChannelID
	Payload   any
}

func (Envelope) Type() MessageType { return MsgEnvelope }
func (Envelope) isMessage()        {}

// SendRef stands in for a send end inside a descriptor. The receiving worker
// creates a local pipe under ID and hands the target its send end.
type SendRef struct {
	ID ChannelID
}

// RecvRef stands in for a receive end inside a descriptor.
type RecvRef struct {
	ID ChannelID
}

type ProcessDescriptor struct {
	Args   []any
	Host   string
	Kwargs map[string]any
	Rank   int
	Target string
}

func (ProcessDescriptor) Type() MessageType { return MsgDescriptor }
func (ProcessDescriptor) isMessage()        {}

// Refs returns every placeholder in the descriptor's arguments, positional
// arguments first and keyword arguments in no particular order.
func (d *ProcessDescriptor) Refs() []any {
	var refs []any
	for _, arg := range d.Args {
		switch arg.(type) {
		case SendRef, RecvRef:
			refs = append(refs, arg)
		}
	}
	for _, arg := range d.Kwargs {
		switch arg.(type) {
		case SendRef, RecvRef:
			refs = append(refs, arg)
		}
	}
	return refs
}

type Join struct {
	Host    string
	Timeout time.Duration
}

func (Join) Type() MessageType  { return MsgJoin }
func (Join) isMessage()         {}
func (j Join) Hostname() string { return j.Host }

type Kill struct {
	Host string
}

func (Kill) Type() MessageType  { return MsgKill }
func (Kill) isMessage()         {}
func (k Kill) Hostname() string { return k.Host }

type Terminate struct {
	Host string
}

func (Terminate) Type() MessageType  { return MsgTerminate }
func (Terminate) isMessage()         {}
func (t Terminate) Hostname() string { return t.Host }
