package cli

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/syncline/internal/client"
	"github.com/roach88/syncline/internal/engine"
	"github.com/roach88/syncline/internal/token"
	"github.com/roach88/syncline/internal/upload"
)

// UploadOptions holds flags for the upload command.
type UploadOptions struct {
	*RootOptions
	UploadID string
	Timeout  time.Duration

	// Tokens overrides the session token generator (for testing).
	Tokens token.Generator
}

// UploadResult reports a finished upload.
type UploadResult struct {
	Handler  string                    `json:"handler"`
	UploadID string                    `json:"upload_id"`
	Files    int                       `json:"files"`
	Lines    int                       `json:"lines"`
	State    map[string]map[string]any `json:"state"`
}

// NewUploadCommand creates the upload command.
func NewUploadCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &UploadOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "upload <handler> <files...>",
		Short: "Stream files to an upload handler",
		Long: `Upload files as multipart form data to the configured upload endpoint.
Every response line is applied to local state like a websocket update.

Examples:
  syncline upload app.files.upload ./a.txt ./b.txt
  syncline upload app.avatar.set ./me.png --id avatar`,
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return uploadFiles(opts, args[0], args[1:], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.UploadID, "id", engine.DefaultUploadID, "upload id, used for progress and cancellation")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 5*time.Minute, "wait for the upload to finish")

	return cmd
}

func uploadFiles(opts *UploadOptions, handler string, files []string, cmd *cobra.Command) error {
	out := newFormatter(cmd, opts.RootOptions)

	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			return out.Fail(ExitCommandError, CodePayload, "cannot read "+f, err)
		}
	}

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return out.Fail(ExitCommandError, CodeConfig, "failed to load config", err)
	}
	logger := newLogger(opts.RootOptions, cfg.LogLevel, cmd.ErrOrStderr())

	ctx, cancel := signalContext(cmd)
	defer cancel()

	var (
		mu       sync.Mutex
		finished *upload.Result
	)
	doneUpload := make(chan struct{})
	c, err := client.New(cfg, client.Options{
		Tokens: opts.Tokens,
		Logger: logger,
		OnUpload: func(r upload.Result) {
			mu.Lock()
			defer mu.Unlock()
			if finished == nil {
				finished = &r
				close(doneUpload)
			}
		},
		Observer: func(s engine.Step) {
			if s.Kind == engine.StepUpload {
				out.VerboseLog("upload %v started=%v", s.Detail["upload_id"], s.Detail["started"])
			}
		},
	})
	if err != nil {
		return out.Fail(ExitCommandError, CodeConfig, "failed to start client", err)
	}
	defer c.Close()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		if err := c.Run(runCtx); err != nil {
			logger.Debug("client stopped with error", "error", err)
		}
	}()

	c.Upload(handler, opts.UploadID, files...)

	select {
	case <-doneUpload:
	case <-time.After(opts.Timeout):
		c.Uploads().Cancel(opts.UploadID)
		return out.Fail(ExitFailure, CodeTimeout, fmt.Sprintf("upload %s did not finish within %s", opts.UploadID, opts.Timeout), nil)
	case <-ctx.Done():
		c.Uploads().Cancel(opts.UploadID)
		return out.Fail(ExitFailure, CodeUpload, "upload interrupted", ctx.Err())
	}

	mu.Lock()
	r := *finished
	mu.Unlock()
	if r.Err != nil {
		return out.Fail(ExitFailure, CodeUpload, "upload failed", r.Err)
	}

	result := UploadResult{
		Handler:  handler,
		UploadID: r.UploadID,
		Files:    len(files),
		Lines:    r.Lines,
		State:    c.State().All(),
	}
	text := fmt.Sprintf("uploaded %d file(s) as %s, %d update line(s)\n%s", len(files), r.UploadID, r.Lines, stateText(result.State))
	return out.Success(result, text)
}
