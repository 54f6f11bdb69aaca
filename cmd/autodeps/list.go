package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/amonks/autodeps/env"
	"github.com/amonks/autodeps/internal/state"
	"github.com/amonks/autodeps/internal/ui"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List environments on all configured volumes",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show environments this user restored or built",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

var (
	historyJSON        bool
	historyFingerprint string
)

func init() {
	rootCmd.AddCommand(listCmd, historyCmd)

	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output as JSON")
	historyCmd.Flags().StringVar(&historyFingerprint, "fingerprint", "", "Only show this fingerprint")
}

func runList(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd.Context(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	records, err := env.ListRecords(a.settings.Volumes)
	if err != nil {
		return err
	}
	latest, err := env.Latest(a.settings.Latest)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(records) == 0 {
		fmt.Fprintln(out, "no environments found")
		return nil
	}
	fmt.Fprint(out, formatRecordTable(records, latest, time.Now()))
	return nil
}

func formatRecordTable(records []env.Record, latest string, now time.Time) string {
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.Fingerprint.String())
	}
	prefixes := ui.UniquePrefixLengths(ids)

	table := ui.NewTableBuilder([]string{"FINGERPRINT", "VOLUME", "VALID", "AGE", "SOURCE", ""}, len(records))
	for _, rec := range records {
		valid := "no"
		source := "-"
		age := ui.FormatTimeAgo(rec.Modified, now)
		if rec.Complete {
			valid = "yes"
			if rec.Marker.Source != "" {
				source = string(rec.Marker.Source)
			}
			if !rec.Marker.CompletedAt.IsZero() {
				age = ui.FormatTimeAgo(rec.Marker.CompletedAt, now)
			}
		}
		current := ""
		if rec.Dir == latest {
			current = "latest"
		}
		fp := rec.Fingerprint.String()
		table.AddRow(
			ui.HighlightPrefix(fp, prefixes[fp]),
			ui.TruncateTableCell(rec.Volume),
			valid,
			age,
			source,
			current,
		)
	}
	return table.String()
}

func runHistory(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd.Context(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	entries, err := a.history.Provisions(historyFingerprint)
	if err != nil {
		return err
	}

	if entries == nil {
		entries = []state.Provision{}
	}

	out := cmd.OutOrStdout()
	if historyJSON {
		return encodeJSON(out, entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "no history")
		return nil
	}

	now := time.Now()
	table := ui.NewTableBuilder([]string{"WHEN", "FINGERPRINT", "SOURCE", "TOOK", "DIR"}, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		table.AddRow(
			ui.FormatTimeAgo(e.At, now),
			e.Fingerprint,
			string(e.Source),
			ui.FormatDurationShort(e.Duration),
			ui.TruncateTableCell(e.Dir),
		)
	}
	fmt.Fprint(out, table.String())
	return nil
}

func encodeJSON(w io.Writer, value any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}
