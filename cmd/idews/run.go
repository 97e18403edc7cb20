package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bingosuite/idews/internal/scenario"
	"github.com/bingosuite/idews/internal/ws"
)

var (
	runELF     string
	runPort    string
	runVariant string
	runLogDir  string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Launch the monitor against a local IDE server and check the hand-off",
	Example: `  idews run --elf build/panic.elf --port /dev/ttyUSB0 --variant coredump
  IDEWS_MONITOR_COMMAND="idf.py monitor" idews run --port /dev/ttyUSB0`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		if flags.Changed("elf") {
			cfg.Monitor.ELF = runELF
		}
		if flags.Changed("port") {
			cfg.Monitor.SerialPort = runPort
		}
		if flags.Changed("variant") {
			cfg.Scenario.Variant = runVariant
		}
		if flags.Changed("log-dir") {
			cfg.Scenario.LogDir = runLogDir
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		responder, closeResponder := ws.NewResponder(cfg.Server.AckMode, logger)
		defer func() {
			if err := closeResponder(); err != nil {
				logger.Warn("Failed to release terminal", zap.Error(err))
			}
		}()

		result, err := scenario.NewRunner(cfg, logger, responder).Run(cmd.Context())
		if err != nil {
			return fmt.Errorf("%s hand-off failed: %w", cfg.Scenario.Variant, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s hand-off passed (%d steps), monitor log: %s\n",
			cfg.Scenario.Variant, len(result.Matches), result.LogPath)
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runELF, "elf", "", "application ELF passed to the monitor")
	runCmd.Flags().StringVarP(&runPort, "port", "p", "", "serial port of the target")
	runCmd.Flags().StringVar(&runVariant, "variant", "gdb_stub", "expected crash hand-off: gdb_stub or coredump")
	runCmd.Flags().StringVar(&runLogDir, "log-dir", ".", "directory for monitor.txt")
}
