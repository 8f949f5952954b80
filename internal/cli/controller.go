package cli

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rudransh-shrivastava/mead/internal/config"
	"github.com/rudransh-shrivastava/mead/internal/launch"
	"github.com/rudransh-shrivastava/mead/internal/nat"
	"github.com/rudransh-shrivastava/mead/internal/process"
	"github.com/rudransh-shrivastava/mead/internal/protocol"
)

// controller is the head side of a run: one running session per host, all
// registered with a process runtime.
type controller struct {
	rt       *process.Runtime
	sessions []*nat.Session
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	log      logrus.FieldLogger
}

// connect links the controller to every host in order. Hosts keep their
// position as their rank.
func connect(ctx context.Context, cfg *config.Config, hosts []string, log logrus.FieldLogger) (*controller, error) {
	codec, err := protocol.NewCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}

	sessions := make([]*nat.Session, len(hosts))
	g, gctx := errgroup.WithContext(ctx)
	for i, host := range hosts {
		g.Go(func() error {
			sess, err := dial(gctx, cfg, host, log.WithField("host", host))
			if err != nil {
				return err
			}
			sessions[i] = sess
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, s := range sessions {
			if s != nil {
				s.Close()
			}
		}
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &controller{
		rt:       process.NewRuntime(process.Options{Codec: codec, Logger: log, GracePeriod: cfg.GracePeriod}),
		sessions: sessions,
		cancel:   cancel,
		log:      log,
	}
	for i, sess := range sessions {
		if err := c.rt.AddLink(hosts[i], sess); err != nil {
			c.Close()
			return nil, err
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := sess.Run(runCtx); err != nil {
				log.Warnf("Link to %s failed: %v", hosts[i], err)
			}
		}()
	}
	return c, nil
}

// Close flushes what is still queued for the workers and tears the links
// down.
func (c *controller) Close() {
	for _, s := range c.sessions {
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		if err := s.Flush(ctx); err != nil {
			c.log.Warnf("Outbound queue not drained: %v", err)
		}
		cancel()
	}
	c.cancel()
	c.wg.Wait()
	for _, s := range c.sessions {
		s.Close()
	}
}

// startWorkers runs the worker command on every host over SSH.
func startWorkers(ctx context.Context, cfg *config.Config, hosts []string, remoteConfig string, log logrus.FieldLogger) ([]*launch.Remote, error) {
	if remoteConfig == "" {
		remoteConfig = cfg.Path
	}
	l := &launch.Launcher{SSH: cfg.SSH, ConfigPath: remoteConfig, Logger: log}
	return l.StartAll(ctx, hosts)
}

// waitWorkers waits for every remote worker and logs the ones that failed.
func waitWorkers(remotes []*launch.Remote, log logrus.FieldLogger) error {
	var first error
	for _, r := range remotes {
		if err := r.Wait(); err != nil {
			log.Warnf("Worker %d: %v", r.Rank, err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}
