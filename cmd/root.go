package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Exit codes.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a configuration or startup failure.
	ExitCodeError = 1
)

// rootCmd represents the base command for the larkgate application.
var rootCmd = &cobra.Command{
	Use:   "larkgate",
	Short: "Multi-tenant gateway for single-user Lark tool servers",
	Long: `larkgate fronts a single-user-per-process tool server and lifts its
one-user limitation: it runs one worker per authenticated user, binds
callers to workers via opaque session identifiers, and mediates the
OAuth flow against the Lark identity provider.`,
	// SilenceUsage prevents Cobra from printing the usage message on errors
	// that are handled by the application.
	SilenceUsage: true,
}

// SetVersion sets the version for the root command. Called from the main
// package to inject the build version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return rootCmd.Version
}

// Execute is the main entry point for the CLI application.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "larkgate version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(ExitCodeError)
	}
}
