// conduit hosts a pipeline worker fed by a JetStream consumer.
//
// Usage:
//
//	conduit run [--config=<settings.yaml>] [--nats-url=<url>] [--workers=<n>]
//	conduit version
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "conduit",
	Short: "Pipeline worker with reliable dispatch and iteration",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
