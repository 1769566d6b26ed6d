package main

import (
	"context"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sentinel until SIGINT or SIGTERM",
	Long: `Run the sentinel with the configured listeners and peers.

Without --config a standalone sentinel accepts websocket links on :8700.

Examples:
  fabric-sentinel serve
  fabric-sentinel serve --config sentinel.toml`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	srv, err := newServer(ctx, cfg)
	if err != nil {
		return err
	}
	stop := srv.coord.HandleSignals()
	defer stop()

	if err := srv.start(); err != nil {
		srv.Shutdown(context.Background())
		return err
	}

	<-srv.coord.Done()
	return srv.coord.Err()
}
