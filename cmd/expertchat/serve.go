package main

import (
	"fmt"

	"ExpertChat/internal/app"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(addr)
			if err != nil {
				return err
			}

			relay, err := app.New(cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize relay: %w", err)
			}
			defer relay.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "ExpertChat %s listening on %s (provider: %s)\n", app.Version, cfg.Addr(), cfg.Provider)
			return relay.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address host:port (default from EXPERTCHAT_HOST and EXPERTCHAT_PORT)")

	return cmd
}
