package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/mead/internal/config"
	"github.com/rudransh-shrivastava/mead/internal/logger"
	"github.com/rudransh-shrivastava/mead/internal/process"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "mead",
	Short: "run functions on remote hosts over hole-punched UDP links",
	Long: `mead starts processes on worker hosts and connects them to the controller
with channels that travel over UDP links punched through NAT.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "mead:", err)
		return exitCode(err)
	}
	return 0
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, process.ErrKilled):
		return 2
	default:
		return 1
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the JSON config (default "+config.DefaultPath+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log_level from the config")

	rootCmd.AddCommand(rendezvousCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(launchCmd)
	rootCmd.AddCommand(exampleCmd)
}

// setup loads the config and builds the logger every command starts with.
func setup(logFile string) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFile == "" {
		logFile = cfg.LogFile
	}
	log, err := logger.NewLogger(logger.Options{Level: cfg.LogLevel, File: logFile})
	if err != nil {
		return nil, nil, err
	}
	if cfg.Path != "" {
		log.Debugf("Loaded config from %s", cfg.Path)
	}
	return cfg, log, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
