package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/syncline/internal/client"
	"github.com/roach88/syncline/internal/token"
	"github.com/roach88/syncline/internal/wire"
)

// SendOptions holds flags for the send command.
type SendOptions struct {
	*RootOptions
	Payload string
	Timeout time.Duration

	// Tokens overrides the session token generator (for testing).
	Tokens token.Generator
}

// SendResult is the state after a send.
type SendResult struct {
	Event string                    `json:"event"`
	Token string                    `json:"token"`
	State map[string]map[string]any `json:"state"`
}

// NewSendCommand creates the send command.
func NewSendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "send <event>",
		Short: "Send one event and print the resulting state",
		Long: `Connect, run the initial events, send one event and wait for its final
update. The resulting state is printed, one substate per line.

Exit codes:
  0 - Event processed
  1 - No final update before --timeout
  2 - Command error (bad config, bad payload)

Examples:
  syncline send app.counter.increment
  syncline send app.counter.set_count --payload '{"value": 5}'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendEvent(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Payload, "payload", "{}", "event payload as a JSON object")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "wait for the final update")

	return cmd
}

func sendEvent(opts *SendOptions, name string, cmd *cobra.Command) error {
	out := newFormatter(cmd, opts.RootOptions)

	ev, err := parseEvent(name, opts.Payload)
	if err != nil {
		return out.Fail(ExitCommandError, CodePayload, "invalid payload", err)
	}

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return out.Fail(ExitCommandError, CodeConfig, "failed to load config", err)
	}
	logger := newLogger(opts.RootOptions, cfg.LogLevel, cmd.ErrOrStderr())

	ctx, cancel := signalContext(cmd)
	defer cancel()

	c, err := client.New(cfg, client.Options{Tokens: opts.Tokens, Logger: logger})
	if err != nil {
		return out.Fail(ExitCommandError, CodeConfig, "failed to start client", err)
	}
	defer c.Close()

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- c.Run(runCtx) }()

	c.Enqueue(ev)
	out.VerboseLog("sent %s, waiting up to %s", ev.Name, opts.Timeout)

	waitCtx, waitCancel := context.WithTimeout(ctx, opts.Timeout)
	waitErr := c.WaitIdle(waitCtx)
	waitCancel()
	stop()
	if err := <-done; err != nil {
		logger.Debug("client stopped with error", "error", err)
	}

	if waitErr != nil {
		return out.Fail(ExitFailure, CodeTimeout, "no final update for "+ev.Name, waitErr)
	}

	result := SendResult{Event: ev.Name, Token: c.Token(), State: c.State().All()}
	return out.Success(result, stateText(result.State))
}

// parseEvent decodes the payload flag through the wire codec, so extended
// number literals are accepted the same way as on the websocket.
func parseEvent(name, payload string) (wire.Event, error) {
	if strings.TrimSpace(payload) == "" {
		payload = "{}"
	}
	nameJSON, err := json.Marshal(name)
	if err != nil {
		return wire.Event{}, err
	}
	raw := fmt.Sprintf(`{"name":%s,"payload":%s}`, nameJSON, payload)
	ev, err := wire.DecodeEvent([]byte(raw))
	if err != nil {
		return wire.Event{}, err
	}
	if ev.Payload == nil && strings.TrimSpace(payload) != "null" {
		return wire.Event{}, fmt.Errorf("payload must be a JSON object")
	}
	return ev, nil
}

// stateText renders each substate on its own line, sorted.
func stateText(st map[string]map[string]any) string {
	names := make([]string, 0, len(st))
	for name := range st {
		names = append(names, name)
	}
	sort.Strings(names)

	lines := make([]string, len(names))
	for i, name := range names {
		lines[i] = name + " " + canonicalText(st[name])
	}
	if len(lines) == 0 {
		return "(empty state)"
	}
	return strings.Join(lines, "\n")
}
