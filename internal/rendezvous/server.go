package rendezvous

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/mead/internal/protocol"
	"github.com/rudransh-shrivastava/mead/internal/store"
)

type Config struct {
	Addr   string
	Logger logrus.FieldLogger
	// Store holds clients waiting for a partner. Defaults to memory.
	Store store.WaiterRepository
}

type request struct {
	channel  string
	natClass uint16
}

// Server pairs two clients that ask for the same channel and tells each the
// other's public address.
type Server struct {
	config Config
	logger logrus.FieldLogger
	conn   *net.UDPConn
	store  store.WaiterRepository

	mu sync.Mutex
	// Acknowledged requests keyed by source address, waiting for "ok".
	pending map[string]request
}

func NewServer(cfg Config) (*Server, error) {
	addr, err := net.ResolveUDPAddr("udp4", cfg.Addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	st := cfg.Store
	if st == nil {
		st = store.NewMemoryStore()
	}

	return &Server{
		config:  cfg,
		logger:  logger,
		conn:    conn,
		store:   st,
		pending: make(map[string]request),
	}, nil
}

func (s *Server) Addr() string {
	return s.conn.LocalAddr().String()
}

func (s *Server) Shutdown() error {
	s.logger.Info("Shutting down rendezvous server")
	return s.conn.Close()
}

// Start serves until ctx is done or the socket is closed.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Infof("Rendezvous server started on %s", s.Addr())

	buf := make([]byte, protocol.MaxDatagramSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond)); err != nil {
			return err
		}
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		if err := s.handle(ctx, string(buf[:n]), from); err != nil {
			s.logger.Warnf("Failed to handle datagram from %s: %v", from, err)
		}
	}
}

func (s *Server) handle(ctx context.Context, data string, from *net.UDPAddr) error {
	switch data {
	case protocol.RendezvousReset:
		return s.reset(ctx, from)
	case protocol.RendezvousAck:
		return s.confirm(ctx, from)
	}

	channel, class, err := protocol.ParseConnectionRequest([]byte(data))
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.pending[from.String()] = request{channel: channel, natClass: class}
	s.mu.Unlock()

	s.logger.Debugf("Request from %s for channel %q (NAT %d)", from, channel, class)
	return s.send(protocol.RequestAck(channel), from)
}

func (s *Server) confirm(ctx context.Context, from *net.UDPAddr) error {
	s.mu.Lock()
	req, ok := s.pending[from.String()]
	s.mu.Unlock()
	if !ok {
		s.logger.Debugf("Ignoring confirm from %s without a request", from)
		return nil
	}

	waiter, ok, err := s.store.Waiting(ctx, req.channel)
	if err != nil {
		return err
	}
	if !ok || sameAddr(waiter.Addr, from) {
		s.logger.Infof("%s waiting on channel %q", from, req.channel)
		return s.store.Park(ctx, store.Waiter{Channel: req.channel, Addr: from, NATClass: req.natClass})
	}

	toWaiter, err := protocol.EncodePeerAddr(from, req.natClass)
	if err != nil {
		return err
	}
	toNewcomer, err := protocol.EncodePeerAddr(waiter.Addr, waiter.NATClass)
	if err != nil {
		return err
	}
	if err := s.send(toWaiter, waiter.Addr); err != nil {
		return err
	}
	if err := s.send(toNewcomer, from); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.pending, from.String())
	delete(s.pending, waiter.Addr.String())
	s.mu.Unlock()

	s.logger.Infof("Linked %s and %s on channel %q", waiter.Addr, from, req.channel)
	return s.store.Remove(ctx, req.channel)
}

func (s *Server) reset(ctx context.Context, from *net.UDPAddr) error {
	s.mu.Lock()
	s.pending = make(map[string]request)
	s.mu.Unlock()

	if err := s.store.DropAll(ctx); err != nil {
		return err
	}
	s.logger.Info("Channel table reset")
	return s.send([]byte(protocol.RendezvousResetComplete), from)
}

func (s *Server) send(b []byte, to *net.UDPAddr) error {
	_, err := s.conn.WriteToUDP(b, to)
	return err
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a != nil && b != nil && a.Port == b.Port && a.IP.Equal(b.IP)
}
