package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/amonks/autodeps/env"
	"github.com/amonks/autodeps/internal/markdown"
	"github.com/amonks/autodeps/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Describe the configuration and the environment it resolves to",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var statusRaw bool

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusRaw, "raw", false, "Print markdown without rendering")
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd.Context(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	report, err := statusReport(a)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if statusRaw || !ui.ColorEnabled() {
		fmt.Fprint(out, report)
		return nil
	}
	fmt.Fprintln(out, string(markdown.Render(ui.TerminalWidth(80), 0, []byte(report))))
	return nil
}

func statusReport(a *app) (string, error) {
	s := a.settings
	var b strings.Builder

	b.WriteString("# autodeps status\n\n")
	b.WriteString("## Configuration\n\n")
	fmt.Fprintf(&b, "- root: `%s`\n", s.Root)
	fmt.Fprintf(&b, "- requirements: %s\n", codeList(s.Requirements))
	fmt.Fprintf(&b, "- volumes: %s\n", codeList(s.Volumes))
	fmt.Fprintf(&b, "- required free space: %v GB\n", s.RequiredGigabytes)
	fmt.Fprintf(&b, "- archive: %s\n", codeOrNone(s.ArchiveDir))
	if len(s.ArchiveSearch) > 0 {
		fmt.Fprintf(&b, "- archive search: %s\n", codeList(s.ArchiveSearch))
	}
	fmt.Fprintf(&b, "- latest link: %s\n", codeOrNone(s.Latest))
	fmt.Fprintf(&b, "- lock timeout: %s\n", s.LockTimeout)
	b.WriteString("\n## Environment\n\n")

	plan, err := a.provisioner.Plan()
	var noVolume *env.NoVolumeAvailableError
	switch {
	case errors.As(err, &noVolume):
		fp, fpErr := a.provisioner.Fingerprint()
		if fpErr != nil {
			return "", fpErr
		}
		fmt.Fprintf(&b, "- fingerprint: `%s`\n", fp)
		fmt.Fprintf(&b, "- volume: none available (%s)\n", noVolume.Error())
	case err != nil:
		return "", err
	default:
		fmt.Fprintf(&b, "- fingerprint: `%s`\n", plan.Fingerprint)
		fmt.Fprintf(&b, "- volume: `%s` (%s free)\n", plan.Volume.Path, ui.FormatBytes(plan.Volume.FreeBytes))
		fmt.Fprintf(&b, "- directory: `%s`\n", plan.Dir)
		if plan.Complete {
			b.WriteString("- state: complete")
			if marker, err := env.ReadMarker(plan.Dir); err == nil && marker.Source != "" {
				fmt.Fprintf(&b, " (%s, %s)", marker.Source, marker.CompletedAt.Format("2006-01-02 15:04"))
			}
			b.WriteString("\n")
		} else {
			b.WriteString("- state: not built\n")
		}
		fmt.Fprintf(&b, "- archive entry: %s\n", codeOrNone(plan.Archive))
	}

	latest, err := env.Latest(s.Latest)
	if err != nil {
		return "", err
	}
	fmt.Fprintf(&b, "- latest points at: %s\n", codeOrNone(latest))
	return b.String(), nil
}

func codeList(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = "`" + v + "`"
	}
	return strings.Join(quoted, ", ")
}

func codeOrNone(value string) string {
	if value == "" {
		return "none"
	}
	return "`" + value + "`"
}
