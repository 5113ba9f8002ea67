package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/syncline/internal/client"
	"github.com/roach88/syncline/internal/token"
	"github.com/roach88/syncline/internal/wire"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions

	// DrainTimeout bounds the wait for in-flight events after stdin closes.
	DrainTimeout time.Duration

	// Tokens overrides the session token generator (for testing).
	Tokens token.Generator
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the client and enqueue events read from stdin",
		Long: `Start the client with the configured endpoints and storage.

Each stdin line is one JSON event: {"name": "...", "payload": {...}}.
Every substate change is printed as it is applied. When stdin closes the
client waits for queued events to finish, then exits. Ctrl-C stops at once.

Example:
  echo '{"name":"app.counter.set_count","payload":{"value":3}}' | syncline run
  syncline run --config ./dev.toml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.DrainTimeout, "drain-timeout", 10*time.Second, "wait for queued events after stdin closes")

	return cmd
}

func runClient(opts *RunOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	out := newFormatter(cmd, opts.RootOptions)
	logger := newLogger(opts.RootOptions, cfg.LogLevel, cmd.ErrOrStderr())

	ctx, cancel := signalContext(cmd)
	defer cancel()

	c, err := client.New(cfg, client.Options{Tokens: opts.Tokens, Logger: logger})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start client", err)
	}
	defer func() {
		if closeErr := c.Close(); closeErr != nil {
			logger.Error("error closing client", "error", closeErr)
		}
	}()

	var outMu sync.Mutex
	unsubscribe := c.State().Subscribe(func(substate string, snapshot map[string]any) {
		outMu.Lock()
		defer outMu.Unlock()
		printSubstate(out, substate, snapshot)
	})
	defer unsubscribe()

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	logger.Info("client started", "endpoint", cfg.EventEndpoint, "token", c.Token())
	readErr := readEvents(ctx, cmd.InOrStdin(), c, logger)

	if readErr == nil && ctx.Err() == nil {
		waitCtx, waitCancel := context.WithTimeout(ctx, opts.DrainTimeout)
		if err := c.WaitIdle(waitCtx); err != nil {
			logger.Warn("events still pending at exit", "pending", len(c.Engine().Pending()), "error", err)
		}
		waitCancel()
	}
	cancel()

	if err := <-done; err != nil {
		return WrapExitError(ExitFailure, "client error", err)
	}
	logger.Info("client stopped")
	return readErr
}

// readEvents enqueues one event per input line until EOF or ctx is done.
// Malformed lines are logged and skipped.
func readEvents(ctx context.Context, in io.Reader, c *client.Client, logger *slog.Logger) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errc:
					if err != nil {
						return WrapExitError(ExitCommandError, "failed to read stdin", err)
					}
				default:
				}
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			ev, err := wire.DecodeEvent([]byte(line))
			if err != nil {
				logger.Warn("skipping malformed event", "line", line, "error", err)
				continue
			}
			logger.Debug("event enqueued", "event", ev.Name)
			c.Enqueue(ev)
		}
	}
}

func printSubstate(out *OutputFormatter, substate string, snapshot map[string]any) {
	text := substate + " " + canonicalText(snapshot)
	if err := out.Line(map[string]any{"substate": substate, "state": snapshot}, text); err != nil {
		fmt.Fprintln(out.GetErrWriter(), "write:", err)
	}
}

// canonicalText renders v as canonical JSON, falling back to %v.
func canonicalText(v any) string {
	if m, ok := v.(map[string]any); ok {
		v = wire.NormalizePayload(m)
	}
	data, err := wire.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
