package main

import (
	"fmt"
	"os"

	"github.com/artemis/fleetmigrate/internal/config"
	"github.com/artemis/fleetmigrate/internal/observability"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgFile string
	logger  *observability.Logger
	cfg     *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fleetmigrate",
	Short: "Peer-to-peer profile migration fleet orchestrator",
	Long: `fleetmigrate coordinates bulk migration of user profiles from source
machines to a fleet of destination machines: an orchestrator registers
destinations, maps sources to them, and dispatches deployments; a
destination-side agent receives and executes them.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var err error
		logger, err = observability.NewLogger("info")
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
			os.Exit(1)
		}

		cfg, err = config.LoadConfig(cfgFile)
		if err != nil {
			logger.Error("failed to load config", zap.Error(err))
			os.Exit(1)
		}

		if cfg.LogLevel != "" {
			if l, err := observability.NewLogger(cfg.LogLevel); err != nil {
				logger.Warn("failed to set log level, using default", zap.Error(err))
			} else {
				logger = l
			}
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.fleetmigrate/config.json)")

	rootCmd.AddCommand(orchestrateCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(mappingCmd)
	rootCmd.AddCommand(reportCmd)

	mappingCmd.AddCommand(mappingValidateCmd)
	mappingCmd.AddCommand(mappingApplyCmd)

	reportCmd.AddCommand(reportExportCmd)
}

// dataDir resolves the configured data directory, defaulting to
// ~/.fleetmigrate the same way config.LoadConfig resolves a missing config
// path.
func dataDir() string {
	if cfg.DataDir != "" {
		return cfg.DataDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fleetmigrate"
	}
	return home + string(os.PathSeparator) + ".fleetmigrate"
}
