package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bingosuite/idews/internal/scenario"
	"github.com/bingosuite/idews/internal/ws"
)

var watchVariant string

var watchCmd = &cobra.Command{
	Use:   "watch <monitor log>",
	Short: "Serve the IDE side and check the hand-off in a log written by a monitor you start yourself",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("variant") {
			cfg.Scenario.Variant = watchVariant
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

		out := cmd.OutOrStdout()
		started := func(url string) {
			fmt.Fprintf(out, "Start the monitor with --ws %s and its output in %s\n", url, args[0])
		}
		result, err := scenario.NewRunner(cfg, logger, responder).Watch(cmd.Context(), args[0], started)
		if err != nil {
			return fmt.Errorf("%s hand-off failed: %w", cfg.Scenario.Variant, err)
		}
		fmt.Fprintf(out, "%s hand-off passed (%d steps)\n", cfg.Scenario.Variant, len(result.Matches))
		return nil
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchVariant, "variant", "gdb_stub", "expected crash hand-off: gdb_stub or coredump")
}
