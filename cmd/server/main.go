// scan-gate - scan-to-authenticate verification gate for chat bots
package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashureev/scan-gate/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "scan-gate",
	Short: "Scan-to-authenticate verification gate for chat bots",
	Long: `scan-gate asks chat-bot users to prove their identity with an external
scan-to-authenticate provider before first contact or before sensitive
commands run. Without a subcommand it starts the server.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err != nil {
			slog.Info("No .env file found, using environment variables")
		}
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}
