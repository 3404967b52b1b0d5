package main

import (
	"fmt"
	"net"
	"strconv"

	"ExpertChat/internal/app"
	"ExpertChat/internal/config"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "expertchat",
		Short:         "Ask one question to several experts at once",
		Long:          "expertchat relays each message to a panel of experts, streams their replies side by side over a websocket and keeps the conversation history.",
		Version:       app.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newExpertsCmd(),
		newHistoryCmd(),
	)

	return rootCmd
}

// loadConfig reads the environment, letting --addr override host and port.
func loadConfig(addr string) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if addr == "" {
		return cfg, nil
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return config.Config{}, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	cfg.Port, err = strconv.Atoi(port)
	if err != nil {
		return config.Config{}, fmt.Errorf("invalid port in %q: %w", addr, err)
	}
	if host != "" {
		cfg.Host = host
	}
	return cfg, nil
}

// serverURL is the relay's HTTP base URL unless the flag names one.
func serverURL(flag string, cfg config.Config) string {
	if flag != "" {
		return flag
	}
	return "http://" + cfg.Addr()
}
