package main

import (
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Load the configuration file with the environment overlay applied and
report every validation error.

Examples:
  agentvoice config validate -c agent.yaml

  # Check an override before exporting it
  AGENTVOICE_PIPELINE__MODE=turn_based agentvoice config validate`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cmd.Printf("%s: ok (pipeline %s, recording %s/%s)\n",
			configPath, cfg.Pipeline.Mode, cfg.Recording.Mode, cfg.Recording.Key)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd)
}
