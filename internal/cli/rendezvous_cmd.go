package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/mead/internal/db"
	"github.com/rudransh-shrivastava/mead/internal/rendezvous"
	"github.com/rudransh-shrivastava/mead/internal/store"
)

var (
	rendezvousAddr string
	rendezvousDB   string
)

var rendezvousCmd = &cobra.Command{
	Use:   "rendezvous",
	Short: "run the rendezvous server",
	Long: `runs the UDP server that pairs a worker with the controller asking for the
same channel and tells each side the other's public address.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup("")
		if err != nil {
			return err
		}

		addr := rendezvousAddr
		if addr == "" {
			addr = fmt.Sprintf(":%d", cfg.Port)
		}

		var waiters store.WaiterRepository = store.NewMemoryStore()
		if rendezvousDB != "" {
			gdb, err := db.Open(rendezvousDB)
			if err != nil {
				return err
			}
			waiters = store.NewWaiterStore(gdb)
			log.Infof("Keeping waiting clients in %s", rendezvousDB)
		}

		srv, err := rendezvous.NewServer(rendezvous.Config{Addr: addr, Logger: log, Store: waiters})
		if err != nil {
			return err
		}
		defer srv.Shutdown()

		ctx, cancel := signalContext()
		defer cancel()

		if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "clear the rendezvous server's channel table",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup("")
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		if err := rendezvous.Reset(ctx, cfg.ServerAddr()); err != nil {
			return err
		}
		log.Infof("Reset %s", cfg.ServerAddr())
		return nil
	},
}

func init() {
	rendezvousCmd.Flags().StringVar(&rendezvousAddr, "addr", "", "listen address (default :<port> from the config)")
	rendezvousCmd.Flags().StringVar(&rendezvousDB, "db", "", "sqlite file for waiting clients (default in memory)")
}
