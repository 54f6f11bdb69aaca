// Package main implements the autodeps CLI tool.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		reportError(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "autodeps",
	Short: "Provision the Python environment for a project's requirements",
	Long: `autodeps makes sure a virtualenv matching the project's requirement files
exists, restoring it from the shared archive or building it when needed, and
prints its path. Run without a subcommand it behaves like "autodeps activate".`,
	Args:          cobra.NoArgs,
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE:          runActivate,
}

var (
	rootDir    string
	configPath string
	verbose    bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "", "Project root (default: current directory)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: <root>/autodeps.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output")
}
