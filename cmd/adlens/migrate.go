package main

import (
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/spf13/cobra"

	migrationsfs "github.com/adlens/adlens/db"
	"github.com/adlens/adlens/internal/config"
	"github.com/adlens/adlens/internal/db"
	"github.com/adlens/adlens/internal/logger"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down|version]",
	Short:     "Apply or roll back cache database migrations",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down", "version"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger.Init(cfg.Log.Level, cfg.Log.Format)

		migrations, err := fs.Sub(migrationsfs.MigrationsFS, "migrations")
		if err != nil {
			return fmt.Errorf("migrations fs: %w", err)
		}
		dbPath := filepath.Join(cfg.Cache.Dir, "cache.db")
		return db.RunMigrate(logger.L, dbPath, migrations, args[0])
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
