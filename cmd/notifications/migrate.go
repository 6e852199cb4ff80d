package main

import (
	"context"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the postgres schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger(cfg)
		a, err := newApp(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer a.Close(context.Background())
		return migrateStore(a)
	},
}

type migrator interface {
	Migrate() (uint, error)
}

// migrateStore is a no-op for stores without a schema. Mongo collections
// and indexes are prepared when the store is opened.
func migrateStore(a *app) error {
	m, ok := a.store.(migrator)
	if !ok {
		a.log.Info().Str("driver", a.cfg.Store.Driver).Msg("store has no migrations")
		return nil
	}
	version, err := m.Migrate()
	if err != nil {
		return err
	}
	a.log.Info().Uint("version", version).Msg("schema migrations applied")
	return nil
}
