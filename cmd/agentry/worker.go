package main

import (
	"github.com/spf13/cobra"

	"github.com/agentry-dev/agentry"
)

var workerFlags struct {
	hostAddr   string
	agents     []string
	configPath string
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker attached to a cluster host",
	Long: `Worker connects to a gateway started with "agentry host" and serves
agents over it. Without a config file, --agent names builtin agent types
to register with a default subscription; with one, the config's agent
list is used and the runtime mode is forced to worker.

Examples:
  agentry worker --host localhost:50051 --agent echo --agent collector
  agentry worker --host localhost:50051 -c worker.yaml`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	f := workerCmd.Flags()
	f.StringVar(&workerFlags.hostAddr, "host", getEnv("AGENTRY_HOST", "localhost:50051"), "Host address to connect to")
	f.StringSliceVar(&workerFlags.agents, "agent", nil, "Builtin agent type to serve (repeatable)")
	f.StringVarP(&workerFlags.configPath, "config", "c", "", "Config file with an agents section")
}

func runWorker(cmd *cobra.Command, args []string) error {
	var cfg *agentry.Config
	if workerFlags.configPath != "" {
		loaded, err := loadRunConfig(workerFlags.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	} else {
		cfg = &agentry.Config{}
		for _, name := range workerFlags.agents {
			cfg.Agents = append(cfg.Agents, agentry.AgentDef{
				Type:                name,
				DefaultSubscription: true,
			})
		}
	}
	cfg.Runtime.Mode = "worker"
	cfg.Runtime.HostAddress = workerFlags.hostAddr
	return agentry.Run(cmd.Context(), cfg)
}
