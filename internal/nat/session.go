package nat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/mead/internal/protocol"
)

const (
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultKeepAlive        = 5 * time.Second

	queueSize = 256
)

type Config struct {
	// Server is the rendezvous server's host:port.
	Server string
	// Channel names the session on the rendezvous server. Both peers must
	// use the same name.
	Channel string
	// LocalAddr is the address to bind. Empty binds an ephemeral port.
	LocalAddr string

	Codec    protocol.Codec
	NATClass NATClass

	// Reliable enables sequence numbers and in-order delivery.
	Reliable   bool
	MaxPending int

	HandshakeTimeout time.Duration
	KeepAlive        time.Duration

	Logger logrus.FieldLogger
}

// Session is one peer link over a punched UDP hole.
type Session struct {
	config Config
	logger logrus.FieldLogger

	conn   *net.UDPConn
	server *net.UDPAddr

	state     atomic.Int32
	peer      *net.UDPAddr
	peerClass NATClass

	out chan protocol.Message
	in  chan []byte

	// Written by the sender goroutine only.
	localSeq uint32
	// Set while the sender has taken a message off out but not yet
	// written it.
	sending atomic.Bool
	// Owned by the receiver goroutine.
	reorder *ReorderBuffer
	// Application datagrams that arrived before the handshake finished.
	early [][]byte

	closeOnce sync.Once
}

// NewSession binds the local socket. No packets are sent until
// RequestForConnection.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Codec == nil {
		cfg.Codec = protocol.NewGobCodec()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithField("channel", cfg.Channel)

	server, err := net.ResolveUDPAddr("udp4", cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve rendezvous server: %w", err)
	}

	if cfg.LocalAddr == "" {
		cfg.LocalAddr = ":0"
	}
	laddr, err := net.ResolveUDPAddr("udp4", cfg.LocalAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve local address: %w", err)
	}

	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind: %w", err)
	}

	s := &Session{
		config:    cfg,
		logger:    logger,
		conn:      conn,
		server:    server,
		peerClass: Unknown,
		out:       make(chan protocol.Message, queueSize),
		in:        make(chan []byte, queueSize),
		reorder:   NewReorderBuffer(cfg.MaxPending),
	}
	s.setState(Idle)
	return s, nil
}

// Connect runs the rendezvous exchange and the peer handshake.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.RequestForConnection(ctx); err != nil {
		return err
	}
	return s.Handshake(ctx)
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		s.logger.Debugf("Session state %s -> %s", prev, st)
	}
}

func (s *Session) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Peer returns the negotiated peer address, or nil before rendezvous.
func (s *Session) Peer() *net.UDPAddr {
	return s.peer
}

func (s *Session) PeerClass() NATClass {
	return s.peerClass
}

func (s *Session) Outbound() chan<- protocol.Message {
	return s.out
}

// Inbound yields one encoded message per element. It is closed when Run
// returns.
func (s *Session) Inbound() <-chan []byte {
	return s.in
}

func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.setState(Closed)
		err = s.conn.Close()
	})
	return err
}

func (s *Session) write(b []byte, to *net.UDPAddr) error {
	_, err := s.conn.WriteToUDP(b, to)
	return err
}

// readUntil reads one datagram, giving up at the deadline.
func (s *Session) readUntil(buf []byte, deadline time.Time) (int, *net.UDPAddr, error) {
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return 0, nil, err
	}
	return s.conn.ReadFromUDP(buf)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a != nil && b != nil && a.Port == b.Port && a.IP.Equal(b.IP)
}

// deadlineAfter is now+d, pulled in to the context deadline when that is
// sooner.
func deadlineAfter(ctx context.Context, d time.Duration) time.Time {
	t := time.Now().Add(d)
	if cd, ok := ctx.Deadline(); ok && cd.Before(t) {
		return cd
	}
	return t
}
