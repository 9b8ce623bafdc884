package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"larkgate/internal/app"
	"larkgate/internal/config"
)

// serveCmd starts the gateway: the HTTP surface, the default worker, and
// the supervisor's background loops.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the larkgate gateway",
	Long: `Starts the gateway: spawns the default worker, binds the HTTP surface
and serves until interrupted.

Configuration is environment-only, prefixed LARKGATE_. The IdP app id,
app secret and redirect URI are mandatory; everything else has defaults.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	application, err := app.New(cfg, GetVersion())
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return application.Run(ctx)
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
