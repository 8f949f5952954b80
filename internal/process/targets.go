package process

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rudransh-shrivastava/mead/internal/channel"
)

// Target is a function that can run as a remote process. Channel ends in
// args and kwargs arrive as *channel.SendEnd and *channel.ReceiveEnd.
type Target func(ctx context.Context, args []any, kwargs map[string]any) error

// Targets maps names to functions. The controller and every worker must
// register the same names.
type Targets struct {
	mu sync.RWMutex
	m  map[string]Target
}

func NewTargets() *Targets {
	return &Targets{m: make(map[string]Target)}
}

func (t *Targets) Register(name string, fn Target) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[name] = fn
}

func (t *Targets) Lookup(name string) (Target, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fn, ok := t.m[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTarget, name)
	}
	return fn, nil
}

func (t *Targets) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.m))
	for name := range t.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SendEndArg returns args[i] as a send end.
func SendEndArg(args []any, i int) (*channel.SendEnd, error) {
	if i < 0 || i >= len(args) {
		return nil, fmt.Errorf("%w: no argument %d", ErrBadArgument, i)
	}
	end, ok := args[i].(*channel.SendEnd)
	if !ok {
		return nil, fmt.Errorf("%w: argument %d is %T, want a send end", ErrBadArgument, i, args[i])
	}
	return end, nil
}

// RecvEndArg returns args[i] as a receive end.
func RecvEndArg(args []any, i int) (*channel.ReceiveEnd, error) {
	if i < 0 || i >= len(args) {
		return nil, fmt.Errorf("%w: no argument %d", ErrBadArgument, i)
	}
	end, ok := args[i].(*channel.ReceiveEnd)
	if !ok {
		return nil, fmt.Errorf("%w: argument %d is %T, want a receive end", ErrBadArgument, i, args[i])
	}
	return end, nil
}
