package cli

import (
	"github.com/spf13/cobra"
)

var remoteConfigPath string

var launchCmd = &cobra.Command{
	Use:   "launch [host...]",
	Short: "start workers on remote hosts over SSH",
	Long: `starts "mead worker" on each host, ranked by position, and waits for them to
exit. Without arguments the hosts come from the config, or from ~/.ssh/config
when the config lists none.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup("")
		if err != nil {
			return err
		}

		hosts := args
		if len(hosts) == 0 {
			if hosts, err = cfg.Hosts(); err != nil {
				return err
			}
		}
		if len(hosts) == 0 {
			log.Warn("No hosts to launch on")
			return nil
		}

		ctx, cancel := signalContext()
		defer cancel()

		remotes, err := startWorkers(ctx, cfg, hosts, remoteConfigPath, log)
		if err != nil {
			return err
		}
		log.Infof("Launched %d workers", len(remotes))
		return waitWorkers(remotes, log)
	},
}

func init() {
	launchCmd.Flags().StringVar(&remoteConfigPath, "remote-config", "", "config path on the worker hosts (default: same as here)")
}
