package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initUsername string
	initBaseURL  string
	initWSURL    string
	initToken    string
)

func init() {
	initCmd.Flags().StringVar(&initUsername, "username", "", "Display username for the join handshake")
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "REST API base URL")
	initCmd.Flags().StringVar(&initWSURL, "ws-url", "", "WebSocket URL (derived from base URL when unset)")
	initCmd.Flags().StringVar(&initToken, "token", "", "Bearer token for the REST API")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <user-id>",
	Short: "Initialize the chatsync configuration",
	Long:  "Store the local user identity and server endpoints in ~/.chatsync/config.toml.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.UserID = args[0]
		if initUsername != "" {
			cfg.Auth.Username = initUsername
		}
		if initToken != "" {
			cfg.Auth.Token = initToken
		}
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}
		if initWSURL != "" {
			cfg.Default.WSURL = initWSURL
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Configuration written to %s\n", path)
		return nil
	},
}
