package bridge

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/mead/internal/channel"
	"github.com/rudransh-shrivastava/mead/internal/mux"
	"github.com/rudransh-shrivastava/mead/internal/protocol"
)

// Extractor drains one local receive end onto the shared outbound queue of
// a peer link.
type Extractor struct {
	ID       protocol.ChannelID
	Source   *channel.ReceiveEnd
	Outbound chan<- protocol.Message
	Logger   logrus.FieldLogger
}

// Run returns nil once the source is closed and drained.
func (ex *Extractor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		v, err := ex.Source.Recv(ctx)
		if err != nil {
			if errors.Is(err, channel.ErrClosed) {
				if ex.Logger != nil {
					ex.Logger.Debugf("Channel %s drained", ex.ID)
				}
				return nil
			}
			return err
		}

		select {
		case ex.Outbound <- mux.Encode(ex.ID, v):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
