package main

import (
	"fmt"
	"os"

	chatsync "github.com/sociora/chatsync-go"
	"go.uber.org/zap"
)

// requireIdentity loads the config and exits when no user id is set.
func requireIdentity() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.UserID == "" {
		fmt.Fprintln(os.Stderr, "No user id configured. Run 'chatsync init <user-id>' first.")
		os.Exit(1)
	}
	return cfg
}

// newLogger builds a development logger, or a nop logger unless --verbose.
func newLogger() *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// newRESTClient creates a chatsync REST client from the config.
func newRESTClient(cfg *Config, logger *zap.Logger) *chatsync.Client {
	var opts []chatsync.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	opts = append(opts, chatsync.WithLogger(logger))
	return chatsync.NewClient(cfg.Auth.Token, opts...)
}

// newSocket creates a socket client from the config, deriving the
// WebSocket URL from the REST base URL when none is configured.
func newSocket(cfg *Config, client *chatsync.Client, logger *zap.Logger) *chatsync.SocketClient {
	wsURL := cfg.Default.WSURL
	if wsURL == "" {
		wsURL = client.SocketURL()
	}
	return chatsync.NewSocketClient(&chatsync.SocketConfig{
		URL:           wsURL,
		UserID:        cfg.Auth.UserID,
		Username:      cfg.Auth.Username,
		AutoReconnect: true,
		Logger:        logger,
	})
}
