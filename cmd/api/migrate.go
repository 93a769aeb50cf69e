package main

import (
	"errors"

	"github.com/spf13/cobra"

	"webhookd/internal/config"
	"webhookd/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for migrate")
		}
		log := config.NewLogger(cfg.Log)
		pg, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.Migrate(cmd.Context()); err != nil {
			return err
		}
		log.Info("migrations applied")
		return nil
	},
}
