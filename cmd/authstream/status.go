package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/estudy-app/authstream"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and token status",
	Long:  "Display the current configuration, the stream endpoints, and whether the stored token is expired.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return printStatus(cmd.OutOrStdout(), cfg, time.Now())
	},
}

func printStatus(w io.Writer, cfg *Config, now time.Time) error {
	client, err := newClient(cfg, nil)
	if err != nil {
		return err
	}
	streamCfg, err := cfg.Stream.streamConfig()
	if err != nil {
		return err
	}
	def := authstream.DefaultStreamConfig()

	fmt.Fprintln(w, "Configuration:")
	fmt.Fprintf(w, "  Base URL:    %s\n", client.BaseURL())
	fmt.Fprintf(w, "  Transport:   %s\n", valueOrDefault(cfg.Default.Transport, "sse"))
	fmt.Fprintf(w, "  SSE:         %s\n", client.SSEURL())
	fmt.Fprintf(w, "  WebSocket:   %s\n", client.WSURL())

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Stream:")
	fmt.Fprintf(w, "  Base delay:  %s\n", durationOrDefault(streamCfg.BaseDelay, def.BaseDelay))
	fmt.Fprintf(w, "  Max delay:   %s\n", durationOrDefault(streamCfg.MaxDelay, def.MaxDelay))
	switch attempts := streamCfg.MaxReconnectAttempts; {
	case attempts < 0:
		fmt.Fprintln(w, "  Attempts:    unlimited")
	case attempts == 0:
		fmt.Fprintf(w, "  Attempts:    %d\n", def.MaxReconnectAttempts)
	default:
		fmt.Fprintf(w, "  Attempts:    %d\n", attempts)
	}
	if streamCfg.IdleTimeout > 0 {
		fmt.Fprintf(w, "  Idle limit:  %s\n", streamCfg.IdleTimeout)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Auth:")
	fmt.Fprintf(w, "  Mode:        %s\n", valueOrDefault(cfg.Auth.CredentialMode, "header"))
	switch {
	case os.Getenv(tokenEnv) != "":
		fmt.Fprintf(w, "  Token:       %s (from %s)\n", maskKey(cfg.Auth.token()), tokenEnv)
	case cfg.Auth.AccessToken != "":
		fmt.Fprintf(w, "  Token:       %s\n", maskKey(cfg.Auth.AccessToken))
	default:
		fmt.Fprintln(w, "  Token:       (not set)")
	}
	fmt.Fprintf(w, "  Status:      %s\n", tokenStatus(cfg.Auth, now))
	return nil
}

func tokenStatus(auth ConfigAuth, now time.Time) string {
	if auth.token() == "" {
		return "none"
	}
	if auth.TokenExpires == "" {
		return "present (no expiry set)"
	}
	expires, err := time.Parse(time.RFC3339, auth.TokenExpires)
	if err != nil {
		return fmt.Sprintf("present (unparseable expiry: %s)", auth.TokenExpires)
	}
	if now.Before(expires) {
		return fmt.Sprintf("valid (expires %s)", expires.Format(time.RFC3339))
	}
	return fmt.Sprintf("EXPIRED (expired %s)", expires.Format(time.RFC3339))
}

// maskKey shows the first 6 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func durationOrDefault(d, def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return d
}
