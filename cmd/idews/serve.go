package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bingosuite/idews/internal/ws"
)

var (
	serveHost string
	servePort int
	serveAck  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the IDE WebSocket server until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("host") {
			cfg.Server.Host = serveHost
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = servePort
		}
		if cmd.Flags().Changed("ack") {
			cfg.Server.AckMode = serveAck
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

		return serve(cmd.Context(), ws.NewServer(cfg.Server, logger, responder), cmd.OutOrStdout())
	},
}

// serve runs server until ctx ends and prints its URL once bound. It does not
// return before the announcing goroutine has finished.
func serve(ctx context.Context, server *ws.Server, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	ready := make(chan int, 1)
	announced := make(chan struct{})
	go func() {
		defer close(announced)
		select {
		case <-ready:
			fmt.Fprintf(out, "Pass --ws %s to the monitor\n", server.URL())
		case <-ctx.Done():
		}
	}()

	err := server.Run(ctx, ready)
	cancel()
	<-announced
	return err
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "127.0.0.1", "address to listen on")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "port to listen on, 0 picks a free one")
	serveCmd.Flags().StringVar(&serveAck, "ack", "immediate", "acknowledge immediately or interactively")
}
