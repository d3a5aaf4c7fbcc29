package cmd

import (
	"github.com/gofiber/fiber/v2/log"
	"github.com/spf13/cobra"

	"relay-backend/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := database.Connect(cfg.Database)
		if err != nil {
			return err
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}
		if err := database.Migrate(db); err != nil {
			return err
		}
		log.Infow("migrations applied")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
