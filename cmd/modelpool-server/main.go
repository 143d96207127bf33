package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "modelpool-server",
	Short: "Model pool registry server",
	Long: `modelpool-server tracks a fixed set of inference endpoints, probes
GET {base_url}/models on each of them every health_check_interval seconds,
and answers GetModelList / GetAvailableModels for modelpool clients while
counting which clients use which endpoint.

Examples:
  modelpool-server --config modelserver.json
  MODELPOOL_LISTEN=:6000 modelpool-server`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServer,
}

func init() {
	rootCmd.Flags().StringP("config", "c", "modelserver.json", "Path to the JSON config file")
	rootCmd.Flags().String("listen", "", "Listen address, overrides the config file")
	rootCmd.Flags().String("log-level", "", "Log level (debug, info, warn, error), overrides the config file")
	rootCmd.Flags().Duration("shutdown-timeout", defaultShutdownTimeout, "How long to wait for in-flight requests on shutdown")
}
