package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var version = "dev"

// SetVersion sets the version reported by the version command. Called from
// main with the build-time value.
func SetVersion(v string) {
	if v != "" {
		version = v
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the mcpgate version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mcpgate %s\n", version)
	},
}
