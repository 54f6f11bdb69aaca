package main

import (
	"github.com/spf13/cobra"

	"github.com/amonks/autodeps/internal/fingerprint"
	"github.com/amonks/autodeps/internal/installer"
)

var installGloballyCmd = &cobra.Command{
	Use:   "install-globally",
	Short: "Install the requirements into the system interpreter (root only)",
	Args:  cobra.NoArgs,
	RunE:  runInstallGlobally,
}

func init() {
	rootCmd.AddCommand(installGloballyCmd)
}

func runInstallGlobally(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd.Context(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	lines, err := fingerprint.ReadRequirements(a.settings.Requirements)
	if err != nil {
		return err
	}
	if err := a.venv.InstallGlobally(cmd.Context(), installer.Requirements{Lines: lines}); err != nil {
		return withStage("install", err)
	}
	return nil
}
