package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentry-dev/agentry"
)

var runConfigPath string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a topology from a config file",
	Long: `Run starts whatever the config declares: a local runtime with agents,
a cluster host, or a worker. Pass "-" as the config path to read the
config from stdin.

Examples:
  agentry run -c agentry.yaml
  cat agentry.yaml | agentry run -c -`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runConfigPath, "config", "c",
		getEnv("AGENTRY_CONFIG", "agentry.yaml"), "Config file path, or - for stdin")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadRunConfig(runConfigPath)
	if err != nil {
		return err
	}
	return agentry.Run(cmd.Context(), cfg)
}

func loadRunConfig(path string) (*agentry.Config, error) {
	if path == "-" {
		cfg, err := agentry.NewConfigLoader(&agentry.OSFileReader{}).LoadConfigFromReader(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("config from stdin: %w", err)
		}
		return cfg, nil
	}
	return agentry.LoadConfig(path)
}
