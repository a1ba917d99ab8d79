package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/adlens/adlens/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the adlens version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("adlens %s\n", version.GetInfo())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
