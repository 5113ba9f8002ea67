package cli

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/roach88/syncline/internal/devserver"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr         string
	HydrateEvent string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the development remote processor",
		Long: `Serve the reference remote processor: a websocket endpoint at /_event and
a streaming upload endpoint at /_upload.

It answers <substate>.set_<field> with {substate: {field: value}},
<substate>.stream_<field> with one partial update per value, and the hydrate
event with the stored values it carries. Anything else gets an empty final
update.

Example:
  syncline serve --addr localhost:8000`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "localhost:8000", "address to listen on")
	cmd.Flags().StringVar(&opts.HydrateEvent, "hydrate-event", devserver.DefaultHydrateEvent, "name of the hydrate event")

	return cmd
}

func serve(opts *ServeOptions, cmd *cobra.Command) error {
	logger := newLogger(opts.RootOptions, slog.LevelInfo, cmd.ErrOrStderr())

	ctx, cancel := signalContext(cmd)
	defer cancel()

	srv := devserver.New(&devserver.Processor{HydrateEvent: opts.HydrateEvent}, logger)
	if err := srv.ListenAndServe(ctx, opts.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return WrapExitError(ExitCommandError, "server failed", err)
	}
	logger.Info("dev server stopped")
	return nil
}
