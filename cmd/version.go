package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// versionCmd prints the build version.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the larkgate version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("larkgate version %s\n", GetVersion())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
