package main

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "adlens",
	Short: "MCP server for Meta Ad Library research with cached media analysis",
	Long: `adlens exposes the Meta Ad Library and multimodal ad analysis as MCP
tools over stdio. Fetched media and analysis results are cached on disk so
repeated questions about the same ads never pay for a second download or
model call.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.toml (optional, environment variables override)")
}
