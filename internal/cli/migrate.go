package cli

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tbourn/crm-sync/internal/repo"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	Long: `Apply the schema for contacts, orders, messages, message links and
idempotency records to the database selected by DB_DRIVER. serve does this
on startup too; run it separately when the service account has no DDL rights.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := repo.Open(cfg.DB)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer closeDB(db)
		if err := repo.AutoMigrate(db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		log.Info().Str("driver", cfg.DB.Driver).Msg("schema up to date")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
