package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"readsync/backend/internal/store"
)

func dbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "db commands",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Migrate the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
			if err != nil {
				return err
			}
			if err := store.Migrate(db); err != nil {
				return err
			}
			logrus.Infof("%s schema is up to date", cfg.Database.Driver)
			return nil
		},
	})
	return cmd
}
