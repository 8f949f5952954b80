package process

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/mead/internal/bridge"
	"github.com/rudransh-shrivastava/mead/internal/channel"
	"github.com/rudransh-shrivastava/mead/internal/protocol"
)

const DefaultGracePeriod = 5 * time.Second

type Options struct {
	Codec       protocol.Codec
	Logger      logrus.FieldLogger
	GracePeriod time.Duration
	// Buffer is the capacity of every channel the runtime creates. Inbound
	// data is delivered in order with backpressure, so a receive end holding
	// Buffer unread values holds up everything behind it on the same link,
	// lifecycle echoes included.
	Buffer int
}

type hostLink struct {
	link bridge.Link
	busy bool
}

// Runtime is the controller's context: the channel registry and one link
// per worker host.
type Runtime struct {
	registry *channel.Registry
	codec    protocol.Codec
	logger   logrus.FieldLogger
	grace    time.Duration

	mu    sync.Mutex
	hosts []string
	links map[string]*hostLink
}

func NewRuntime(opts Options) *Runtime {
	if opts.Codec == nil {
		opts.Codec = protocol.NewGobCodec()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}

	return &Runtime{
		registry: channel.NewRegistryWithBuffer(opts.Buffer),
		codec:    opts.Codec,
		logger:   opts.Logger,
		grace:    opts.GracePeriod,
		links:    make(map[string]*hostLink),
	}
}

func (r *Runtime) Registry() *channel.Registry {
	return r.registry
}

// NewChannel creates a channel whose ends can be passed to processes.
func (r *Runtime) NewChannel() (*channel.SendEnd, *channel.ReceiveEnd) {
	return r.registry.NewChannel()
}

// AddLink registers the link to host. Hosts keep the order they were added.
func (r *Runtime) AddLink(host string, link bridge.Link) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.links[host]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHost, host)
	}
	r.hosts = append(r.hosts, host)
	r.links[host] = &hostLink{link: link}
	return nil
}

func (r *Runtime) Hosts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.hosts...)
}

// NewProcess prepares target to run on host. An empty host means the most
// recently added one.
func (r *Runtime) NewProcess(target, host string, args []any, kwargs map[string]any) *Process {
	return &Process{
		rt:     r,
		Target: target,
		Host:   host,
		Args:   args,
		Kwargs: kwargs,
	}
}

// claim resolves host and marks its link busy.
func (r *Runtime) claim(host string) (string, int, bridge.Link, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if host == "" {
		if len(r.hosts) == 0 {
			return "", 0, nil, ErrNoHosts
		}
		host = r.hosts[len(r.hosts)-1]
	}

	hl, ok := r.links[host]
	if !ok {
		return "", 0, nil, fmt.Errorf("%w: %s", ErrUnknownHost, host)
	}
	if hl.busy {
		return "", 0, nil, fmt.Errorf("%w: %s", ErrLinkBusy, host)
	}
	hl.busy = true

	rank := 0
	for i, h := range r.hosts {
		if h == host {
			rank = i
		}
	}
	return host, rank, hl.link, nil
}

func (r *Runtime) release(host string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if hl, ok := r.links[host]; ok {
		hl.busy = false
	}
}
