package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/mead/internal/process"
	"github.com/rudransh-shrivastava/mead/internal/protocol"
)

const flushTimeout = 5 * time.Second

var (
	workerHostname string
	workerRank     int
	workerLogFile  string
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "run one remote process for a controller",
	Long: `connects to the controller through the rendezvous server, using the hostname
as the channel name, runs the process it is sent and exits when the controller
joins, terminates or kills it.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup(workerLogFile)
		if err != nil {
			return err
		}
		entry := log.WithField("rank", workerRank)

		ctx, cancel := signalContext()
		defer cancel()

		codec, err := protocol.NewCodec(cfg.Codec)
		if err != nil {
			return err
		}

		sess, err := dial(ctx, cfg, workerHostname, entry)
		if err != nil {
			return err
		}
		defer sess.Close()

		runCtx, stopRun := context.WithCancel(ctx)
		runDone := make(chan error, 1)
		go func() { runDone <- sess.Run(runCtx) }()

		serveErr := process.Serve(ctx, sess, process.WorkerConfig{
			Host:        workerHostname,
			Rank:        workerRank,
			Targets:     targets(),
			Codec:       codec,
			GracePeriod: cfg.GracePeriod,
			Logger:      entry,
		})

		// The last echo must reach the controller before the socket closes.
		flushCtx, stopFlush := context.WithTimeout(context.Background(), flushTimeout)
		if err := sess.Flush(flushCtx); err != nil {
			entry.Warnf("Outbound queue not drained: %v", err)
		}
		stopFlush()
		stopRun()
		if err := <-runDone; err != nil {
			entry.Warnf("Link ended with error: %v", err)
		}

		if serveErr != nil {
			return serveErr
		}
		entry.Info("Worker done")
		return nil
	},
}

func init() {
	workerCmd.Flags().StringVar(&workerHostname, "hostname", "", "this host's name, also the rendezvous channel")
	workerCmd.Flags().IntVar(&workerRank, "rank", 0, "position of this host in the controller's host list")
	workerCmd.Flags().StringVar(&workerLogFile, "log-file", "", "write the log to a rotating file")
	_ = workerCmd.MarkFlagRequired("hostname")
}
