package process

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/mead/internal/bridge"
	"github.com/rudransh-shrivastava/mead/internal/channel"
	"github.com/rudransh-shrivastava/mead/internal/protocol"
)

// Process is a target running on a worker host, seen from the controller.
type Process struct {
	rt *Runtime

	Target string
	Host   string
	Args   []any
	Kwargs map[string]any

	mu        sync.Mutex
	started   bool
	finished  bool
	rank      int
	link      bridge.Link
	signals   chan protocol.Signal
	tasks     []*bridge.Task
	lookupErr error
	logger    logrus.FieldLogger
}

// placeholders swaps channel ends for id placeholders and records what the
// controller has to bridge for them.
type placeholders struct {
	registry *channel.Registry
	routes   *bridge.Routes
	drains   map[protocol.ChannelID]*channel.ReceiveEnd
}

func (ph *placeholders) swap(arg any) (any, error) {
	switch end := arg.(type) {
	case *channel.SendEnd:
		// The remote side writes, our receive end reads.
		if _, err := ph.routes.Lookup(end.ID()); err == nil {
			return protocol.SendRef{ID: end.ID()}, nil
		}
		if _, ok := ph.drains[end.ID()]; ok {
			return nil, fmt.Errorf("%w: %s", ErrBothEnds, end.ID())
		}
		if _, err := ph.registry.LookupSend(end.ID()); err != nil {
			return nil, err
		}
		ph.routes.Add(end)
		return protocol.SendRef{ID: end.ID()}, nil

	case *channel.ReceiveEnd:
		// The remote side reads, so we drain our pipe onto the link.
		if _, ok := ph.drains[end.ID()]; ok {
			return protocol.RecvRef{ID: end.ID()}, nil
		}
		if _, err := ph.routes.Lookup(end.ID()); err == nil {
			return nil, fmt.Errorf("%w: %s", ErrBothEnds, end.ID())
		}
		if _, err := ph.registry.LookupRecv(end.ID()); err != nil {
			return nil, err
		}
		ph.drains[end.ID()] = end
		return protocol.RecvRef{ID: end.ID()}, nil
	}
	return arg, nil
}

// Start ships the process to its host and starts the local bridges.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrStarted
	}

	host, rank, link, err := p.rt.claim(p.Host)
	if err != nil {
		return err
	}
	p.Host = host
	p.rank = rank
	p.link = link
	p.logger = p.rt.logger.WithField("host", host)

	ph := &placeholders{
		registry: p.rt.registry,
		routes:   bridge.NewRoutes(),
		drains:   make(map[protocol.ChannelID]*channel.ReceiveEnd),
	}

	desc := &protocol.ProcessDescriptor{Target: p.Target, Host: host, Rank: rank}
	for _, arg := range p.Args {
		v, err := ph.swap(arg)
		if err != nil {
			p.rt.release(host)
			return err
		}
		desc.Args = append(desc.Args, v)
	}
	if len(p.Kwargs) > 0 {
		desc.Kwargs = make(map[string]any, len(p.Kwargs))
		for name, arg := range p.Kwargs {
			v, err := ph.swap(arg)
			if err != nil {
				p.rt.release(host)
				return err
			}
			desc.Kwargs[name] = v
		}
	}

	p.signals = make(chan protocol.Signal, 4)
	inj := &bridge.Injector{
		Codec:   p.rt.codec,
		Inbound: link.Inbound(),
		Routes:  ph.routes,
		Signals: p.signals,
		OnError: p.recordLookupError,
		Logger:  p.logger,
	}
	// Bridges outlive the Start call.
	bg := context.Background()
	p.tasks = append(p.tasks, bridge.Go(bg, "injector", inj.Run))

	select {
	case link.Outbound() <- desc:
	case <-ctx.Done():
		_ = bridge.StopAll(p.tasks...)
		p.rt.release(host)
		return ctx.Err()
	}

	for id, end := range ph.drains {
		ex := &bridge.Extractor{ID: id, Source: end, Outbound: link.Outbound(), Logger: p.logger}
		p.tasks = append(p.tasks, bridge.Go(bg, fmt.Sprintf("extractor-%s", id), ex.Run))
	}

	p.started = true
	p.logger.Infof("Started %s (rank %d, %d inbound, %d outbound channels)",
		p.Target, rank, ph.routes.Len(), len(ph.drains))
	return nil
}

func (p *Process) recordLookupError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lookupErr == nil {
		p.lookupErr = err
	}
}

func (p *Process) push(ctx context.Context, msg protocol.Message) error {
	select {
	case p.link.Outbound() <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Process) active() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.finished {
		return ErrNotStarted
	}
	return nil
}

// await waits for the remote to echo a signal of the given type. Other
// signals are logged and skipped.
func (p *Process) await(ctx context.Context, want protocol.MessageType) error {
	for {
		select {
		case sig := <-p.signals:
			if sig.Type() == want {
				return nil
			}
			p.logger.Warnf("Ignoring %s while waiting for %s", sig.Type(), want)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Join asks the remote process to finish and waits for it. A zero timeout
// waits as long as ctx allows. On timeout the bridges stay up, so Join can
// be called again. The Join echo arrives behind the process's data, so
// values the caller has not yet read must fit in the receive ends' buffers
// (Options.Buffer) or be read concurrently, or Join waits for them.
func (p *Process) Join(ctx context.Context, timeout time.Duration) error {
	if err := p.active(); err != nil {
		return err
	}

	if err := p.push(ctx, &protocol.Join{Host: p.Host, Timeout: timeout}); err != nil {
		return err
	}

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := p.await(waitCtx, protocol.MsgJoin); err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s after %s", ErrJoinTimeout, p.Host, timeout)
		}
		return err
	}

	p.logger.Info("Remote process joined")
	if err := p.finish(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lookupErr != nil {
		return fmt.Errorf("channels out of sync with %s: %w", p.Host, p.lookupErr)
	}
	return nil
}

// Terminate asks the remote process to stop and gives it the grace period
// to do so before escalating to Kill.
func (p *Process) Terminate(ctx context.Context) error {
	if err := p.active(); err != nil {
		return err
	}

	if err := p.push(ctx, &protocol.Terminate{Host: p.Host}); err != nil {
		return err
	}

	graceCtx, cancel := context.WithTimeout(ctx, p.rt.grace)
	defer cancel()

	if err := p.await(graceCtx, protocol.MsgTerminate); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logger.Warnf("No terminate echo within %s, killing", p.rt.grace)
		return p.Kill(ctx)
	}

	return p.finish()
}

// Kill tells the worker to stop immediately and tears down the local
// bridges without waiting for an answer.
func (p *Process) Kill(ctx context.Context) error {
	if err := p.active(); err != nil {
		return err
	}

	if err := p.push(ctx, &protocol.Kill{Host: p.Host}); err != nil {
		return err
	}
	return p.finish()
}

// finish stops the bridges and frees the link for the next process.
func (p *Process) finish() error {
	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		return nil
	}
	p.finished = true
	tasks := p.tasks
	p.mu.Unlock()

	err := bridge.StopAll(tasks...)
	p.rt.release(p.Host)
	return err
}
