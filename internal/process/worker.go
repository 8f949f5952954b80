package process

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/mead/internal/bridge"
	"github.com/rudransh-shrivastava/mead/internal/channel"
	"github.com/rudransh-shrivastava/mead/internal/protocol"
)

type WorkerConfig struct {
	Host        string
	Rank        int
	Targets     *Targets
	Codec       protocol.Codec
	GracePeriod time.Duration
	Logger      logrus.FieldLogger
}

// running is a started target on the worker side.
type running struct {
	name    string
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
	sends   []*channel.SendEnd
	drains  []*bridge.Task
}

type worker struct {
	cfg      WorkerConfig
	logger   logrus.FieldLogger
	link     bridge.Link
	registry *channel.Registry
	routes   *bridge.Routes
	started  chan *running
	proc     *running

	// seen is only touched from the injector goroutine.
	seen bool
}

// Serve runs one remote process: it waits for a descriptor on link, runs
// the target and answers lifecycle signals. It returns nil after a Join or
// Terminate has been echoed and ErrKilled after a Kill.
func Serve(ctx context.Context, link bridge.Link, cfg WorkerConfig) error {
	if cfg.Codec == nil {
		cfg.Codec = protocol.NewGobCodec()
	}
	if cfg.Targets == nil {
		cfg.Targets = NewTargets()
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	w := &worker{
		cfg:      cfg,
		logger:   logger.WithFields(logrus.Fields{"host": cfg.Host, "rank": cfg.Rank}),
		link:     link,
		registry: channel.NewRegistry(),
		routes:   bridge.NewRoutes(),
		started:  make(chan *running, 1),
	}
	return w.serve(ctx)
}

func (w *worker) serve(ctx context.Context) error {
	signals := make(chan protocol.Signal, 4)
	inj := &bridge.Injector{
		Codec:        w.cfg.Codec,
		Inbound:      w.link.Inbound(),
		Routes:       w.routes,
		Signals:      signals,
		OnDescriptor: w.start,
		OnError: func(err error) {
			w.logger.Errorf("Controller sent data for an unknown channel: %v", err)
		},
		Logger: w.logger,
	}
	injector := bridge.Go(ctx, "injector", inj.Run)
	defer injector.Stop()

	w.logger.Infof("Waiting for a process descriptor (targets: %s)", strings.Join(w.cfg.Targets.Names(), ", "))

	var (
		targetDone <-chan struct{}
		joinTimer  <-chan time.Time
		join       *protocol.Join
	)

	for {
		if join != nil && w.proc != nil && targetDone == nil {
			return w.finishJoin(ctx, *join)
		}

		select {
		case <-ctx.Done():
			w.stop()
			return ctx.Err()

		case <-injector.Done():
			w.stop()
			if err := injector.Wait(); err != nil {
				return err
			}
			return ErrLinkClosed

		case proc := <-w.started:
			w.proc = proc
			targetDone = proc.done

		case <-targetDone:
			targetDone = nil
			if w.proc.err != nil {
				w.logger.Errorf("Target %s failed: %v", w.proc.name, w.proc.err)
			} else {
				w.logger.Infof("Target %s finished", w.proc.name)
			}

		case <-joinTimer:
			w.logger.Warnf("Join timed out after %s, target still running", join.Timeout)
			join = nil
			joinTimer = nil

		case sig := <-signals:
			switch s := sig.(type) {
			case protocol.Join:
				w.logger.Info("Joining")
				join = &s
				joinTimer = nil
				if s.Timeout > 0 {
					joinTimer = time.After(s.Timeout)
				}
			case protocol.Terminate:
				return w.terminate(ctx)
			case protocol.Kill:
				w.logger.Warn("Killed by controller")
				w.echo(ctx, &protocol.Kill{Host: w.cfg.Host})
				w.stop()
				return ErrKilled
			}
		}
	}
}

// start is called by the Injector for each descriptor, before the next
// inbound message is routed.
func (w *worker) start(desc *protocol.ProcessDescriptor) error {
	if w.seen {
		w.logger.Debugf("Ignoring repeated descriptor for %s", desc.Target)
		return nil
	}
	w.seen = true

	fn, err := w.cfg.Targets.Lookup(desc.Target)
	if err != nil {
		return err
	}

	proc := &running{name: desc.Target, done: make(chan struct{})}
	var drains []*bridge.Extractor

	// A ref that appears more than once maps to the end bound the first time.
	bound := make(map[protocol.ChannelID]any)
	recreate := func(arg any) (any, error) {
		switch ref := arg.(type) {
		case protocol.SendRef:
			if end, ok := bound[ref.ID]; ok {
				if send, ok := end.(*channel.SendEnd); ok {
					return send, nil
				}
				return nil, fmt.Errorf("%w: %s", ErrBothEnds, ref.ID)
			}
			send, recv, err := w.registry.Bind(ref.ID)
			if err != nil {
				return nil, err
			}
			bound[ref.ID] = send
			proc.sends = append(proc.sends, send)
			drains = append(drains, &bridge.Extractor{ID: ref.ID, Source: recv, Outbound: w.link.Outbound(), Logger: w.logger})
			return send, nil
		case protocol.RecvRef:
			if end, ok := bound[ref.ID]; ok {
				if recv, ok := end.(*channel.ReceiveEnd); ok {
					return recv, nil
				}
				return nil, fmt.Errorf("%w: %s", ErrBothEnds, ref.ID)
			}
			send, recv, err := w.registry.Bind(ref.ID)
			if err != nil {
				return nil, err
			}
			bound[ref.ID] = recv
			w.routes.Add(send)
			return recv, nil
		}
		return arg, nil
	}

	args := make([]any, 0, len(desc.Args))
	for _, arg := range desc.Args {
		v, err := recreate(arg)
		if err != nil {
			return fmt.Errorf("recreating channels for %s: %w", desc.Target, err)
		}
		args = append(args, v)
	}
	kwargs := make(map[string]any, len(desc.Kwargs))
	for name, arg := range desc.Kwargs {
		v, err := recreate(arg)
		if err != nil {
			return fmt.Errorf("recreating channels for %s: %w", desc.Target, err)
		}
		kwargs[name] = v
	}

	targetCtx, cancel := context.WithCancel(context.Background())
	proc.cancel = cancel
	for _, ex := range drains {
		proc.drains = append(proc.drains, bridge.Go(context.Background(), fmt.Sprintf("extractor-%s", ex.ID), ex.Run))
	}

	go func() {
		defer close(proc.done)
		proc.err = fn(targetCtx, args, kwargs)
	}()

	w.logger.Infof("Started %s with %d arguments", desc.Target, len(args)+len(kwargs))
	w.started <- proc
	return nil
}

// finishJoin closes the ends the target wrote to, lets the extractors drain
// them onto the link and then echoes the Join.
func (w *worker) finishJoin(ctx context.Context, join protocol.Join) error {
	for _, send := range w.proc.sends {
		_ = send.Close()
	}
	for _, t := range w.proc.drains {
		select {
		case <-t.Done():
		case <-ctx.Done():
			w.stop()
			return ctx.Err()
		}
	}
	w.proc.cancel()

	w.echo(ctx, &protocol.Join{Host: w.cfg.Host, Timeout: join.Timeout})
	w.logger.Info("Joined")
	return nil
}

func (w *worker) terminate(ctx context.Context) error {
	w.logger.Warn("Terminating")
	if w.proc != nil {
		w.proc.cancel()
		select {
		case <-w.proc.done:
		case <-time.After(w.cfg.GracePeriod):
			w.logger.Warnf("Target %s ignored cancellation for %s", w.proc.name, w.cfg.GracePeriod)
		case <-ctx.Done():
		}
	}
	w.stop()
	w.echo(ctx, &protocol.Terminate{Host: w.cfg.Host})
	return nil
}

func (w *worker) stop() {
	if w.proc == nil {
		return
	}
	w.proc.cancel()
	_ = bridge.StopAll(w.proc.drains...)
}

func (w *worker) echo(ctx context.Context, sig protocol.Message) {
	select {
	case w.link.Outbound() <- sig:
	case <-ctx.Done():
	}
}
