package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"ExpertChat/internal/client"

	"github.com/spf13/cobra"
)

func newExpertsCmd() *cobra.Command {
	var server string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "experts",
		Short: "List the expert catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig("")
			if err != nil {
				return err
			}
			experts, err := client.NewHistory(serverURL(server, cfg)).Experts(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), experts)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTITLE")
			for _, e := range experts {
				fmt.Fprintf(w, "%s\t%s\t%s\n", e.ID, e.Name, e.Title)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "Relay base URL (default http://EXPERTCHAT_HOST:EXPERTCHAT_PORT)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Render JSON output")

	return cmd
}

func newHistoryCmd() *cobra.Command {
	var server string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "history [conversation_id]",
		Short: "List conversations, or the messages of one conversation",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig("")
			if err != nil {
				return err
			}
			h := client.NewHistory(serverURL(server, cfg))
			out := cmd.OutOrStdout()

			if len(args) == 0 {
				conversations, err := h.Conversations(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(out, conversations)
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "CONVERSATION\tEXPERTS\tCREATED\tSUMMARY")
				for _, c := range conversations {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.ConversationID, c.Experts, c.CreatedAt.Format(time.DateTime), c.Summary)
				}
				return w.Flush()
			}

			messages, err := h.Messages(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(out, messages)
			}
			for _, m := range messages {
				fmt.Fprintf(out, "[%s] %s: %s\n", m.CreatedAt.Format(time.TimeOnly), m.Role, m.Message)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "Relay base URL (default http://EXPERTCHAT_HOST:EXPERTCHAT_PORT)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Render JSON output")

	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
