// Package cli is the phaseforge command line.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"phaseforge/internal/config"
	"phaseforge/internal/logging"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "phaseforge",
	Short: "phaseforge builds web apps phase by phase with an LLM",
	Long: `phaseforge plans an app in phases, streams each phase's files from the model,
deploys them to a preview sandbox, and reviews, fixes and inspects the result
before planning the next phase. Users steer the build through a conversation.

Configuration comes from an optional YAML file, then the environment (.env is
loaded when present).`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "YAML config file (defaults to $PHASEFORGE_CONFIG)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(decodeCmd)
	rootCmd.AddCommand(imagesCmd)
	rootCmd.AddCommand(migrateCmd)
}

// loadConfig reads and validates the configuration named by --config.
func loadConfig(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	log := logging.L()
	if err := cfg.ValidateAndLog(log); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, log, nil
}
