package main

import (
	"fmt"
	"strings"

	"ExpertChat/internal/client"
	"ExpertChat/internal/telemetry"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newChatCmd() *cobra.Command {
	var (
		url            string
		conversationID string
		experts        string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a panel of experts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig("")
			if err != nil {
				return err
			}
			logger, logFile, err := telemetry.InitLogger(cfg.LogDir, false)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer logFile.Close()

			if url == "" {
				url = "ws://" + cfg.Addr() + "/ws/chat"
			}
			if conversationID == "" {
				conversationID = uuid.NewString()
			}

			c, err := client.Dial(cmd.Context(), url, logger)
			if err != nil {
				return err
			}
			defer c.Close()

			repl := client.NewREPL(c, conversationID, strings.TrimSpace(experts), cmd.InOrStdin(), cmd.OutOrStdout(), logger)
			return repl.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "Relay websocket URL (default ws://EXPERTCHAT_HOST:EXPERTCHAT_PORT/ws/chat)")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "Conversation to continue (default: a new one)")
	cmd.Flags().StringVar(&experts, "experts", "", "Comma-separated expert ids, required for a new conversation")

	return cmd
}
