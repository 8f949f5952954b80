package cli

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/mead/internal/config"
	"github.com/rudransh-shrivastava/mead/internal/nat"
	"github.com/rudransh-shrivastava/mead/internal/protocol"
)

// dial punches a link to whoever else asks the rendezvous server for
// channel. The session is connected but not yet running.
func dial(ctx context.Context, cfg *config.Config, channel string, log logrus.FieldLogger) (*nat.Session, error) {
	codec, err := protocol.NewCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}

	sess, err := nat.NewSession(nat.Config{
		Server:           cfg.ServerAddr(),
		Channel:          channel,
		Codec:            codec,
		Reliable:         cfg.Reliable,
		MaxPending:       cfg.MaxPending,
		HandshakeTimeout: cfg.HandshakeTimeout,
		KeepAlive:        cfg.KeepAlive,
		Logger:           log,
	})
	if err != nil {
		return nil, err
	}

	sess.ProbeNAT(ctx, cfg.STUNServers)
	if err := sess.Connect(ctx); err != nil {
		sess.Close()
		return nil, fmt.Errorf("connecting %s: %w", channel, err)
	}
	log.Infof("Link %s up, peer %s (%s)", channel, sess.Peer(), sess.PeerClass())
	return sess, nil
}
