package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/estudy-app/authstream"
)

// newClient builds a client from the stored configuration.
func newClient(cfg *Config, logger *slog.Logger) (*authstream.Client, error) {
	mode, err := authstream.ParseCredentialMode(cfg.Auth.CredentialMode)
	if err != nil {
		return nil, fmt.Errorf("auth.credential_mode: %w", err)
	}

	opts := []authstream.ClientOption{
		authstream.WithCredentialMode(mode),
		authstream.WithHeader("User-Agent", "authstream-cli"),
	}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, authstream.WithBaseURL(cfg.Default.BaseURL))
	}
	if logger != nil {
		opts = append(opts, authstream.WithClientLogger(logger))
	}
	return authstream.NewClient(cfg.Auth.token(), opts...), nil
}

// newLogger writes structured logs to stderr so stdout stays event-only.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

type eventJSON struct {
	Type         string    `json:"type"`
	Name         string    `json:"name"`
	ID           string    `json:"id,omitempty"`
	ReceivedAt   time.Time `json:"received_at"`
	ConnectionID string    `json:"connection_id,omitempty"`
	Data         any       `json:"data"`
}

// printEvent writes one event line, as JSON or as a short human form.
func printEvent(w io.Writer, ev authstream.ParsedEvent, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(w).Encode(eventJSON{
			Type:         ev.Type.String(),
			Name:         ev.Name,
			ID:           ev.ID,
			ReceivedAt:   ev.ReceivedAt,
			ConnectionID: ev.ConnectionID,
			Data:         ev.Data,
		})
	}
	data, err := json.Marshal(ev.Data)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", ev.Data))
	}
	_, err = fmt.Fprintf(w, "[%s] %s: %s\n", ev.ReceivedAt.Format("15:04:05"), ev.Name, data)
	return err
}
