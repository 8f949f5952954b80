package bridge

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/mead/internal/protocol"
)

// Link is one physical connection to a peer. Messages pushed on Outbound are
// encoded and sent; blobs received from the peer come out of Inbound.
type Link interface {
	Outbound() chan<- protocol.Message
	Inbound() <-chan []byte
}

const loopbackBuffer = 256

// Loopback is one side of an in-memory link. The pair runs the real codec
// so payloads take the same encode and decode path as over UDP.
type Loopback struct {
	out chan protocol.Message
	in  chan []byte

	stop     chan struct{}
	stopOnce *sync.Once
}

// NewLoopback returns two connected link ends.
func NewLoopback(codec protocol.Codec, logger logrus.FieldLogger) (*Loopback, *Loopback) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	stop := make(chan struct{})
	once := &sync.Once{}
	a := &Loopback{
		out:      make(chan protocol.Message, loopbackBuffer),
		in:       make(chan []byte, loopbackBuffer),
		stop:     stop,
		stopOnce: once,
	}
	b := &Loopback{
		out:      make(chan protocol.Message, loopbackBuffer),
		in:       make(chan []byte, loopbackBuffer),
		stop:     stop,
		stopOnce: once,
	}

	go pump(codec, logger, a.out, b.in, stop)
	go pump(codec, logger, b.out, a.in, stop)

	return a, b
}

func pump(codec protocol.Codec, logger logrus.FieldLogger, from <-chan protocol.Message, to chan<- []byte, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case msg := <-from:
			blob, err := codec.EncodeToBytes(msg)
			if err != nil {
				logger.Warnf("Loopback failed to encode %s: %v", msg.Type(), err)
				continue
			}
			select {
			case to <- blob:
			case <-stop:
				return
			}
		}
	}
}

func (l *Loopback) Outbound() chan<- protocol.Message {
	return l.out
}

func (l *Loopback) Inbound() <-chan []byte {
	return l.in
}

// Close stops both directions of the pair.
func (l *Loopback) Close() error {
	l.stopOnce.Do(func() {
		close(l.stop)
	})
	return nil
}
