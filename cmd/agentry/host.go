package main

import (
	"github.com/spf13/cobra"

	"github.com/agentry-dev/agentry"
)

var hostFlags struct {
	listen      string
	rateLimit   float64
	burst       int
	certFile    string
	keyFile     string
	caFile      string
	metricsPort int
}

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Run a cluster gateway",
	Long: `Host starts a gRPC gateway that routes frames between workers.
It registers no agents itself; workers connect with "agentry worker".`,
	RunE: runHost,
}

func init() {
	rootCmd.AddCommand(hostCmd)
	f := hostCmd.Flags()
	f.StringVar(&hostFlags.listen, "listen", getEnv("AGENTRY_LISTEN", ":50051"), "Listen address")
	f.Float64Var(&hostFlags.rateLimit, "rate-limit", 0, "Frames per second per worker (0 disables)")
	f.IntVar(&hostFlags.burst, "burst", 0, "Rate limit burst size")
	f.StringVar(&hostFlags.certFile, "cert", "", "TLS certificate file")
	f.StringVar(&hostFlags.keyFile, "key", "", "TLS key file")
	f.StringVar(&hostFlags.caFile, "ca", "", "CA bundle for client verification (enables mTLS)")
	f.IntVar(&hostFlags.metricsPort, "metrics-port", 0, "Prometheus metrics port (0 disables)")
}

func runHost(cmd *cobra.Command, args []string) error {
	cfg := &agentry.Config{
		Runtime: agentry.RuntimeDef{
			Mode:   "host",
			Listen: hostFlags.listen,
		},
		Metrics: agentry.MetricsDef{Port: hostFlags.metricsPort},
	}
	if hostFlags.rateLimit > 0 {
		cfg.Runtime.RateLimit = &agentry.RateLimitDef{
			FramesPerSecond: hostFlags.rateLimit,
			Burst:           hostFlags.burst,
		}
	}
	if hostFlags.certFile != "" {
		cfg.Runtime.TLS = &agentry.TLSDef{
			CertFile: hostFlags.certFile,
			KeyFile:  hostFlags.keyFile,
			CAFile:   hostFlags.caFile,
		}
	}
	return agentry.Run(cmd.Context(), cfg)
}
