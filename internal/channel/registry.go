package channel

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rudransh-shrivastava/mead/internal/protocol"
)

var (
	ErrUnknownChannel   = errors.New("unknown channel")
	ErrDuplicateChannel = errors.New("channel already registered")
)

// Direction names which end of a channel a lookup asked for.
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

// LookupError reports an id with no registered end. On the data path it
// means the two sides of a link disagree about which channels exist.
type LookupError struct {
	ID        protocol.ChannelID
	Direction Direction
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("no %s end registered for channel %s", e.Direction, e.ID)
}

func (e *LookupError) Unwrap() error {
	return ErrUnknownChannel
}

type entry struct {
	send *SendEnd
	recv *ReceiveEnd
}

// Registry maps channel ids to their local ends and hands out fresh ids.
// Entries are never removed, so an id is never reused while the registry
// lives.
type Registry struct {
	mu      sync.RWMutex
	next    protocol.ChannelID
	entries map[protocol.ChannelID]entry
	buffer  int
}

func NewRegistry() *Registry {
	return &Registry{
		next:    1,
		entries: make(map[protocol.ChannelID]entry),
		buffer:  DefaultBuffer,
	}
}

// NewRegistryWithBuffer is NewRegistry with a custom pipe capacity.
func NewRegistryWithBuffer(buffer int) *Registry {
	r := NewRegistry()
	if buffer > 0 {
		r.buffer = buffer
	}
	return r
}

// NewChannel allocates a fresh id and returns both ends of its pipe.
func (r *Registry) NewChannel() (*SendEnd, *ReceiveEnd) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.next
	r.next++
	return r.register(id)
}

// Bind builds a pipe under an id chosen elsewhere, typically the controller
// that shipped a descriptor. Later NewChannel calls never return id.
func (r *Registry) Bind(id protocol.ChannelID) (*SendEnd, *ReceiveEnd, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrDuplicateChannel, id)
	}
	if id >= r.next {
		r.next = id + 1
	}
	send, recv := r.register(id)
	return send, recv, nil
}

func (r *Registry) register(id protocol.ChannelID) (*SendEnd, *ReceiveEnd) {
	p := newPipe(id, r.buffer)
	e := entry{send: &SendEnd{p: p}, recv: &ReceiveEnd{p: p}}
	r.entries[id] = e
	return e.send, e.recv
}

func (r *Registry) LookupSend(id protocol.ChannelID) (*SendEnd, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok || e.send == nil {
		return nil, &LookupError{ID: id, Direction: DirectionSend}
	}
	return e.send, nil
}

func (r *Registry) LookupRecv(id protocol.ChannelID) (*ReceiveEnd, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok || e.recv == nil {
		return nil, &LookupError{ID: id, Direction: DirectionRecv}
	}
	return e.recv, nil
}

// Len returns the number of channels ever registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
