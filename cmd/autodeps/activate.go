package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var activateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Provision the environment and print its path",
	Args:  cobra.NoArgs,
	RunE:  runActivate,
}

var directoryCmd = &cobra.Command{
	Use:   "directory",
	Short: "Print the environment path without building it",
	Args:  cobra.NoArgs,
	RunE:  runDirectory,
}

var archivePathCmd = &cobra.Command{
	Use:   "archive-path",
	Short: "Print the archive entry path for the current requirements",
	Args:  cobra.NoArgs,
	RunE:  runArchivePath,
}

var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint",
	Short: "Print the fingerprint of the current requirements",
	Args:  cobra.NoArgs,
	RunE:  runFingerprint,
}

func init() {
	rootCmd.AddCommand(activateCmd, directoryCmd, archivePathCmd, fingerprintCmd)
}

func runActivate(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd.Context(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	res, err := a.provisioner.Provision(cmd.Context())
	if err != nil {
		return err
	}
	a.logger.Debug("environment ready", "dir", res.Dir, "source", res.Source, "took", res.Duration)

	fmt.Fprintln(cmd.OutOrStdout(), res.Dir)
	return nil
}

func runDirectory(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd.Context(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	plan, err := a.provisioner.Plan()
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), plan.Dir)
	return nil
}

func runArchivePath(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd.Context(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	fp, err := a.provisioner.Fingerprint()
	if err != nil {
		return err
	}
	path := a.provisioner.Archive().Path(fp.String())
	if path == "" {
		return withStage("config", fmt.Errorf("archived-venv-dir is not configured"))
	}

	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}

func runFingerprint(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd.Context(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	fp, err := a.provisioner.Fingerprint()
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), fp)
	return nil
}
