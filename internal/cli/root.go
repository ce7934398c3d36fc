// Package cli implements the crmsync command line: the server, schema
// migrations, Telegram webhook registration and the operator watch console.
package cli

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tbourn/crm-sync/internal/config"
	"github.com/tbourn/crm-sync/internal/sysutil"
)

var (
	version = "dev"
	commit  = "unknown"
)

var envFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "crmsync",
	Short: "Multi-channel message sync for the CRM",
	Long: `crmsync receives Telegram updates, files them into per-contact conversation
threads, relays attachments to durable storage and pushes every change to
CRM clients over websockets.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. It is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment (missing file is ignored)")
}

// loadConfig reads the dotenv file, loads configuration and installs the
// global logger.
func loadConfig() (config.Config, error) {
	if envFile != "" {
		// Real environment variables win over the file.
		_ = godotenv.Load(envFile)
	}
	cfg, err := config.Load()
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	sysutil.SetupLogger(os.Stderr, cfg.LogLevel, cfg.LogPretty, cfg.OTEL.ServiceName, sysutil.InstanceID(cfg.Ingest.ThreadNodeID))
	return cfg, nil
}
