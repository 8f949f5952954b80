package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/mead/internal/launch"
	"github.com/rudransh-shrivastava/mead/internal/process"
)

var (
	exampleRounds int
	exampleLaunch bool
)

var exampleCmd = &cobra.Command{
	Use:   "example",
	Short: "measure round trips to every worker",
	Long: `runs the augment target on every host and sends it integers one at a time,
waiting for each answer, then prints the mean round trip per host.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup("")
		if err != nil {
			return err
		}
		hosts, err := cfg.Hosts()
		if err != nil {
			return err
		}
		if len(hosts) == 0 {
			return process.ErrNoHosts
		}

		ctx, cancel := signalContext()
		defer cancel()

		var remotes []*launch.Remote
		if exampleLaunch {
			if remotes, err = startWorkers(ctx, cfg, hosts, remoteConfigPath, log); err != nil {
				return err
			}
		}

		ctrl, err := connect(ctx, cfg, hosts, log)
		if err != nil {
			return err
		}

		bar := progressbar.NewOptions(exampleRounds*len(hosts),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("round trips"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)

		means := make(map[string]time.Duration, len(hosts))
		for _, host := range hosts {
			mean, err := pingHost(ctx, ctrl.rt, host, exampleRounds, bar, log)
			if err != nil {
				ctrl.Close()
				return err
			}
			means[host] = mean
		}
		_ = bar.Finish()
		ctrl.Close()

		printLatencies(cmd.OutOrStdout(), hosts, means)

		if len(remotes) > 0 {
			return waitWorkers(remotes, log)
		}
		return nil
	},
}

// pingHost runs augment on host and times rounds sequential round trips.
func pingHost(ctx context.Context, rt *process.Runtime, host string, rounds int, bar *progressbar.ProgressBar, log logrus.FieldLogger) (time.Duration, error) {
	toWorker, workerIn := rt.NewChannel()
	workerOut, fromWorker := rt.NewChannel()

	p := rt.NewProcess("augment", host, []any{workerIn, workerOut}, map[string]any{"count": rounds})
	if err := p.Start(ctx); err != nil {
		return 0, err
	}

	var total time.Duration
	for i := 0; i < rounds; i++ {
		start := time.Now()
		if err := toWorker.Send(ctx, i); err != nil {
			return 0, err
		}
		v, err := fromWorker.Recv(ctx)
		if err != nil {
			return 0, err
		}
		total += time.Since(start)

		if n, ok := toInt(v); !ok || n != i+1 {
			log.Warnf("%s answered %v to %d", host, v, i)
		}
		_ = bar.Add(1)
	}

	if err := p.Join(ctx, 0); err != nil {
		return 0, err
	}
	if rounds == 0 {
		return 0, nil
	}
	return total / time.Duration(rounds), nil
}

func printLatencies(w io.Writer, hosts []string, means map[string]time.Duration) {
	for _, host := range hosts {
		fmt.Fprintf(w, "Mean latency: %s: %fs\n", host, means[host].Seconds())
	}
}

func init() {
	exampleCmd.Flags().IntVarP(&exampleRounds, "rounds", "n", 100, "round trips per host")
	exampleCmd.Flags().BoolVar(&exampleLaunch, "launch", false, "start the workers over SSH first")
	exampleCmd.Flags().StringVar(&remoteConfigPath, "remote-config", "", "config path on the worker hosts (default: same as here)")
}
