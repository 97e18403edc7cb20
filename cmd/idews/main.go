package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bingosuite/idews/config"
	"github.com/bingosuite/idews/internal/logging"
)

var (
	configPath string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:   "idews",
	Short: "IDE WebSocket hand-off for crashed embedded targets",
	Long: `idews plays the IDE side of a serial monitor's crash hand-off: it listens
for gdb_stub and coredump events over WebSocket and answers debug_finished.
It can also drive a monitor end to end and check every step of the hand-off.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/config.yml", "path to the yaml config")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional file of IDEWS_* variables")

	rootCmd.AddCommand(serveCmd, runCmd, watchCmd, fakeMonitorCmd)
}

// loadConfig reads the yaml file, overlays the environment and validates.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(envFile); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := logging.New(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	return logger, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
