package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	migrationsfs "github.com/adlens/adlens/db"
	"github.com/adlens/adlens/internal/adlib"
	"github.com/adlens/adlens/internal/analysis"
	"github.com/adlens/adlens/internal/cache"
	"github.com/adlens/adlens/internal/config"
	"github.com/adlens/adlens/internal/db"
	"github.com/adlens/adlens/internal/gemini"
	"github.com/adlens/adlens/internal/guard"
	"github.com/adlens/adlens/internal/logger"
	"github.com/adlens/adlens/internal/tools"
	"github.com/adlens/adlens/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the MCP server on stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		// stdout carries the MCP stdio transport; logs go to stderr.
		logger.Init(cfg.Log.Level, cfg.Log.Format)
		log := logger.L

		if cfg.AdLib.APIKey == "" {
			return fmt.Errorf("missing ads library API key (set SCRAPECREATORS_API_KEY or adlib.api_key)")
		}
		if cfg.Gemini.APIKey == "" {
			return fmt.Errorf("missing analysis API key (set GEMINI_API_KEY or gemini.api_key)")
		}

		if err := os.MkdirAll(cfg.Cache.Dir, 0o755); err != nil {
			return fmt.Errorf("create cache dir: %w", err)
		}
		dbPath := filepath.Join(cfg.Cache.Dir, "cache.db")
		migrations, err := fs.Sub(migrationsfs.MigrationsFS, "migrations")
		if err != nil {
			return fmt.Errorf("migrations fs: %w", err)
		}
		if err := db.Migrate(log, dbPath, migrations); err != nil {
			return fmt.Errorf("migrate cache db: %w", err)
		}
		conn, err := db.Open(dbPath)
		if err != nil {
			return fmt.Errorf("open cache db: %w", err)
		}
		defer conn.Close()

		store, err := cache.NewStore(log, conn, cfg.Cache.Dir)
		if err != nil {
			return fmt.Errorf("open media store: %w", err)
		}

		g := guard.New(log)
		ads := adlib.NewClient(log, g, cfg.AdLib.BaseURL, cfg.AdLib.APIKey)
		gem := gemini.NewClient(log, g, cfg.Gemini.BaseURL, cfg.Gemini.APIKey, cfg.Gemini.Model)
		an := analysis.NewService(log, store, gem, cfg.Batch.Concurrency)

		// Startup retention pass; the cleanup tool covers the rest.
		if _, err := store.Cleanup(cmd.Context(), cfg.Cache.MaxAgeDays, cfg.Cache.MaxTotalBytes); err != nil {
			log.Warn("startup cache cleanup failed", "error", err)
		}

		server := gomcp.NewServer(
			&gomcp.Implementation{Name: "adlens", Version: version.GetInfo()},
			nil,
		)
		tools.NewService(log, ads, an, store).Register(server)

		log.Info("mcp server starting",
			"version", version.GetInfo(),
			"model", cfg.Gemini.Model,
			"cache_dir", cfg.Cache.Dir)
		return server.Run(cmd.Context(), &gomcp.StdioTransport{})
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
