package main

import (
	"fmt"

	"github.com/flaboy/aira-checkout/pkg/commence"
	"github.com/flaboy/aira-checkout/pkg/models"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the checkout tables and indexes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		commence.SetupLogger(cfg.LogLevel, cfg.LogFormat)

		db, err := commence.OpenDatabase(cfg.Database)
		if err != nil {
			return err
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}
		if err := models.AutoMigrate(db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
		return nil
	},
}
