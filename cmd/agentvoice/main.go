// Command agentvoice runs a realtime voice session against a remote voice
// agent, either over a full-duplex socket or as discrete recorded turns.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/agentvoice/internal/app"
	"github.com/MrWong99/agentvoice/internal/config"
)

var (
	// configPath is the YAML configuration file shared by all commands.
	configPath string

	// version is set at build time.
	version = "dev"

	// logLevel backs the default logger so hot reload can change it.
	logLevel = new(slog.LevelVar)
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "agentvoice",
	Short: "Realtime voice sessions with a remote voice agent",
	Long: `agentvoice captures microphone audio, sends it to a voice agent and plays
the spoken reply. The duplex pipeline streams audio both ways over a
websocket; the turn-based pipeline records one utterance at a time and runs
it through transcription, conversation and synthesis.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML configuration file")
	rootCmd.AddCommand(runCmd, devicesCmd, configCmd)
}

// loadConfig loads configPath and applies its log level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logLevel.Set(app.LevelOf(cfg.Server.LogLevel))
	return cfg, nil
}
