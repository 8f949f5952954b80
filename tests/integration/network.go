package integration

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/mead/internal/nat"
	"github.com/rudransh-shrivastava/mead/internal/process"
	"github.com/rudransh-shrivastava/mead/internal/protocol"
	"github.com/rudransh-shrivastava/mead/internal/rendezvous"
)

// Network is a rendezvous server, a controller runtime and any number of
// workers, all on loopback UDP.
type Network struct {
	server *rendezvous.Server
	rt     *process.Runtime
	codec  protocol.Codec
	log    *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sessions []*nat.Session
	t        *testing.T
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func NewNetwork(t *testing.T) *Network {
	t.Helper()

	log := quietLogger()
	srv, err := rendezvous.NewServer(rendezvous.Config{Addr: "127.0.0.1:0", Logger: log})
	if err != nil {
		t.Fatalf("Failed to create rendezvous server: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	n := &Network{
		server: srv,
		codec:  protocol.NewGobCodec(),
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		t:      t,
	}
	n.rt = process.NewRuntime(process.Options{Codec: n.codec, Logger: log, GracePeriod: 500 * time.Millisecond})

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		_ = srv.Start(ctx)
	}()
	t.Cleanup(n.Close)
	return n
}

func (n *Network) session(channel string) *nat.Session {
	n.t.Helper()
	s, err := nat.NewSession(nat.Config{
		Server:           n.server.Addr(),
		Channel:          channel,
		LocalAddr:        "127.0.0.1:0",
		Codec:            n.codec,
		Reliable:         true,
		HandshakeTimeout: 5 * time.Second,
		KeepAlive:        100 * time.Millisecond,
		Logger:           n.log,
	})
	if err != nil {
		n.t.Fatalf("Failed to create session: %v", err)
	}
	n.sessions = append(n.sessions, s)
	return s
}

func (n *Network) run(s *nat.Session) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		_ = s.Run(n.ctx)
	}()
}

// AddWorker connects a worker for host to the controller and starts
// serving. The returned channel yields Serve's result.
func (n *Network) AddWorker(host string, targets *process.Targets) <-chan error {
	n.t.Helper()

	worker := n.session(host)
	head := n.session(host)

	errs := make(chan error, 2)
	go func() { errs <- worker.Connect(n.ctx) }()
	go func() { errs <- head.Connect(n.ctx) }()
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			n.t.Fatalf("Failed to connect %s: %v", host, err)
		}
	}
	n.run(worker)
	n.run(head)

	if err := n.rt.AddLink(host, head); err != nil {
		n.t.Fatalf("Failed to add link: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- process.Serve(n.ctx, worker, process.WorkerConfig{
			Host:        host,
			Targets:     targets,
			Codec:       n.codec,
			GracePeriod: 500 * time.Millisecond,
			Logger:      n.log,
		})
	}()
	return done
}

func (n *Network) Runtime() *process.Runtime {
	return n.rt
}

func (n *Network) Context() context.Context {
	return n.ctx
}

func (n *Network) Close() {
	n.cancel()
	for _, s := range n.sessions {
		_ = s.Close()
	}
	_ = n.server.Shutdown()
	n.wg.Wait()
}
