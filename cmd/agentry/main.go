// Command agentry runs an agent topology from a config file, or stands up a
// single piece of one (a cluster host, a worker) from flags. The shell
// subcommand opens an interactive local runtime for trying messages out.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// Version is set via ldflags at release build time.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "agentry",
	Short: "agentry - actor-style agent runtime",
	Long: `Agentry runs message-passing agent topologies: a single local runtime,
or a cluster of workers behind a gRPC host. Agents are declared in a YAML
config or registered programmatically.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "agentry %s (%s)\n", Version, runtime.Version())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
