package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/syncline/internal/token"
)

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	return newTokenCommand(rootOpts, token.UUIDv4Generator{})
}

func newTokenCommand(rootOpts *RootOptions, gen token.Generator) *cobra.Command {
	return &cobra.Command{
		Use:           "token",
		Short:         "Print a fresh session token",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			tok := token.NewManager(gen).Token()
			return newFormatter(cmd, rootOpts).Success(map[string]string{"token": tok}, tok)
		},
	}
}
