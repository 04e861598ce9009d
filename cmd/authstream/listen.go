package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/estudy-app/authstream"
	"github.com/spf13/cobra"
)

// Exit statuses of the listen command.
const (
	exitExhausted   = 2
	exitForceLogout = 3
)

type listenOptions struct {
	transport string
	json      bool
	verbose   bool
}

var listenOpts listenOptions

func init() {
	listenCmd.Flags().StringVar(&listenOpts.transport, "transport", "", "stream transport: sse or ws (default from config, else sse)")
	listenCmd.Flags().BoolVar(&listenOpts.json, "json", false, "print events as JSON lines")
	listenCmd.Flags().BoolVarP(&listenOpts.verbose, "verbose", "v", false, "log connection activity to stderr")
	rootCmd.AddCommand(listenCmd)
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Print account notifications until interrupted",
	Long: "Open the notification stream and print every event.\n" +
		"Exits 3 after a forced logout (the stored token is cleared) and 2 when reconnecting gives up.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		res, err := listen(ctx, cfg, listenOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		if err != nil {
			return err
		}

		switch {
		case res.forcedLogout:
			cfg.Auth.AccessToken = ""
			cfg.Auth.TokenExpires = ""
			if err := saveConfig(cfg); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Warning: could not clear stored token: %v\n", err)
			}
			return &exitCodeError{code: exitForceLogout, msg: "Session terminated: " + res.message}
		case res.exhausted:
			return &exitCodeError{code: exitExhausted, msg: fmt.Sprintf("Stream unavailable: %v", res.err)}
		}
		return nil
	},
}

type listenResult struct {
	forcedLogout bool
	message      string
	exhausted    bool
	err          error
}

// listen streams events to out until ctx is done, the server forces a
// logout, or reconnecting gives up.
func listen(ctx context.Context, cfg *Config, opts listenOptions, out, errOut io.Writer) (listenResult, error) {
	if cfg.Auth.token() == "" {
		return listenResult{}, fmt.Errorf("no access token. Run 'authstream init <token>' first")
	}

	logger := newLogger(errOut, opts.verbose)
	client, err := newClient(cfg, logger)
	if err != nil {
		return listenResult{}, err
	}

	transport := opts.transport
	if transport == "" {
		transport = cfg.Default.Transport
	}
	kind, err := authstream.ParseTransportKind(transport)
	if err != nil {
		return listenResult{}, err
	}

	streamCfg, err := cfg.Stream.streamConfig()
	if err != nil {
		return listenResult{}, err
	}

	stream, err := client.NewStream(kind)
	if err != nil {
		return listenResult{}, err
	}

	outcome := make(chan listenResult, 1)
	report := func(r listenResult) {
		select {
		case outcome <- r:
		default:
		}
	}

	stream.OnMessage(func(ev authstream.ParsedEvent) {
		if err := printEvent(out, ev, opts.json); err != nil {
			logger.Error("write event", "error", err)
		}
	})
	stream.OnForceLogout(func(msg string) {
		report(listenResult{forcedLogout: true, message: msg})
	})
	stream.OnError(func(kind authstream.ErrorKind, err error) {
		if kind == authstream.ReconnectExhausted {
			report(listenResult{exhausted: true, err: err})
		}
	})
	if !opts.json {
		stream.OnOpen(func() {
			fmt.Fprintf(errOut, "Connected to %s\n", streamURL(client, kind))
		})
		stream.OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Fprintf(errOut, "Connection lost, retrying in %s (attempt %d)\n", delay, attempt)
		})
	}

	if err := stream.Connect(client.Token(), &streamCfg); err != nil {
		return listenResult{}, err
	}
	defer stream.Disconnect()

	select {
	case <-ctx.Done():
		return listenResult{}, nil
	case res := <-outcome:
		return res, nil
	}
}

func streamURL(c *authstream.Client, kind authstream.TransportKind) string {
	if kind == authstream.TransportWebSocket {
		return c.WSURL()
	}
	return c.SSEURL()
}
