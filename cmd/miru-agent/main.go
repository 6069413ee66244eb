package main

import (
	"context"
	"fmt"
	"os"

	"github.com/cuemby/miru-agent/internal/app"
	"github.com/cuemby/miru-agent/internal/config"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "miru-agent",
	Short:   "The miru configuration agent daemon",
	Args:    cobra.NoArgs,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.Start(config.Root(), Version, Commit)
		if err != nil {
			return err
		}
		return a.Run(context.Background())
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("miru-agent version %s\nCommit: %s\n", Version, Commit))
	rootCmd.Flags().BoolP("version", "v", false, "print the version and exit")
}
