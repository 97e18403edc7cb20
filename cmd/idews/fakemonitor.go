package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bingosuite/idews/internal/fakemonitor"
)

var fakeMonitorCmd = &cobra.Command{
	Use:   "fake-monitor <elf> --port <console log> [--ws <url>]",
	Short: "Replay a recorded console log as if it were a monitor attached to a device",
	// flags belong to the monitor command line, parsed by fakemonitor.ParseArgs
	DisableFlagParsing: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		code := fakemonitor.Main(cmd.Context(), args, cmd.OutOrStdout(), cmd.ErrOrStderr())
		if code != 0 {
			return fmt.Errorf("fake monitor exited with status %d", code)
		}
		return nil
	},
}
