package main

import (
	"fmt"
	"os"

	chatsync "github.com/loopmarket/chatsync"
)

// getSession loads the config and builds the API client plus the identity
// needed for the realtime adapter and the engine.
func getSession() (*chatsync.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
		fmt.Fprintln(os.Stderr, "No credentials. Run 'chatsync init <token> <user-id>' first.")
		os.Exit(1)
	}

	var opts []chatsync.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	return chatsync.NewClient(cfg.Auth.Token, cfg.Auth.UserID, opts...), cfg
}

// getRealtime builds the push-channel adapter for the configured backend.
func getRealtime(client *chatsync.Client, cfg *Config) *chatsync.Realtime {
	return chatsync.NewRealtime(client.BaseURL(), cfg.Auth.UserID, chatsync.RealtimeConfig{
		Credential: client.Credential(),
	})
}
