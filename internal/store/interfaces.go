package store

import (
	"context"
	"net"
)

// Waiter is one side of a rendezvous that has not been paired yet.
type Waiter struct {
	Channel  string
	Addr     *net.UDPAddr
	NATClass uint16
}

// WaiterRepository is the rendezvous server's channel table.
type WaiterRepository interface {
	// Waiting returns the client parked on channel, if any.
	Waiting(ctx context.Context, channel string) (Waiter, bool, error)
	Park(ctx context.Context, w Waiter) error
	Remove(ctx context.Context, channel string) error
	DropAll(ctx context.Context) error
}
