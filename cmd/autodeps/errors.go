package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/muesli/reflow/indent"
	"github.com/muesli/reflow/wordwrap"
	"github.com/muesli/reflow/wrap"

	"github.com/amonks/autodeps/env"
	"github.com/amonks/autodeps/internal/ui"
)

const hintWidth = 80

// stageError attaches a stage name to errors that do not carry one.
type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }
func (e *stageError) Stage() string { return e.stage }

func withStage(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &stageError{stage: stage, err: err}
}

// errorStage returns the stage a failure belongs to.
func errorStage(err error) string {
	var staged interface{ Stage() string }
	if errors.As(err, &staged) {
		return staged.Stage()
	}
	return "error"
}

// reportError prints "autodeps: <stage>: <message>" followed by an
// indented hint when one applies.
func reportError(w io.Writer, err error) {
	fmt.Fprintf(w, "autodeps: %s: %v\n", errorStage(err), err)
	if hint := errorHint(err); hint != "" {
		// wordwrap can overshoot its limit by a column; wrap enforces it.
		limit := min(ui.TerminalWidth(hintWidth), hintWidth) - 2
		fmt.Fprintln(w, indent.String(wrap.String(wordwrap.String(hint, limit-1), limit), 2))
	}
}

func errorHint(err error) string {
	var noVolume *env.NoVolumeAvailableError
	if errors.As(err, &noVolume) {
		var b strings.Builder
		fmt.Fprintf(&b, "No volume had %s free. Checked:\n", ui.FormatBytes(noVolume.RequiredBytes))
		for _, skip := range noVolume.Skipped {
			fmt.Fprintf(&b, "- %s: %s\n", skip.Path, skip.Reason)
		}
		b.WriteString("Free some space, add a volume to venv-dir-search, or lower venv-dir-required-gigabytes.")
		return b.String()
	}

	var timeout *env.LockTimeoutError
	if errors.As(err, &timeout) {
		return fmt.Sprintf("Another process is still provisioning this environment. Wait for %s to finish or raise lock-timeout. The lock is released automatically if that process exits.", timeout.Holder)
	}

	var failed *env.BuildFailedError
	if errors.As(err, &failed) && failed.LogFile != "" {
		return fmt.Sprintf("The output of the failed step is in %s.", failed.LogFile)
	}

	var manifest *env.ManifestReadError
	if errors.As(err, &manifest) {
		return "Check the requirements setting in autodeps.toml."
	}
	return ""
}
