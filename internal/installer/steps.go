package installer

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// StepError reports a build step whose command failed.
type StepError struct {
	Step    string
	LogFile string
	Err     error
}

func (e *StepError) Error() string {
	if e.LogFile == "" {
		return fmt.Sprintf("%s: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("%s: %v (see %s)", e.Step, e.Err, e.LogFile)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

var (
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	errorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1"))
	countStyle = lipgloss.NewStyle().Faint(true)
)

// steps runs numbered commands and prints one progress line per command:
//
//	[ 2/ 5] Creating venv /ssd/venvs/abc.. OK (1.32 sec)
type steps struct {
	out     io.Writer
	current int
	total   int
	now     func() time.Time
}

func newSteps(out io.Writer, total int) *steps {
	if out == nil {
		out = io.Discard
	}
	return &steps{out: out, total: total, now: time.Now}
}

// run executes argv with output captured in logFile (or discarded when
// empty).
func (s *steps) run(ctx context.Context, name string, argv []string, dir, logFile string) error {
	s.current++
	fmt.Fprintf(s.out, "%s %s..", countStyle.Render(fmt.Sprintf("[%2d/%2d]", s.current, s.total)), name)
	start := s.now()

	err := runLogged(ctx, argv, dir, logFile)
	if err != nil {
		fmt.Fprintf(s.out, " %s\n", errorStyle.Render("ERROR"))
		return &StepError{Step: name, LogFile: logFile, Err: err}
	}
	fmt.Fprintf(s.out, " %s (%.2f sec)\n", okStyle.Render("OK"), s.now().Sub(start).Seconds())
	return nil
}

func runLogged(ctx context.Context, argv []string, dir, logFile string) error {
	if len(argv) == 0 {
		return fmt.Errorf("empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir

	var out io.Writer = io.Discard
	if logFile != "" {
		f, err := os.Create(logFile)
		if err != nil {
			return fmt.Errorf("create log file: %w", err)
		}
		defer f.Close()
		fmt.Fprintf(f, "$ %s\n", strings.Join(argv, " "))
		out = f
	}
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w", argv[0], err)
	}
	return nil
}

// commandOutput runs argv and returns its trimmed combined output.
func commandOutput(ctx context.Context, argv []string) (string, error) {
	if len(argv) == 0 {
		return "", fmt.Errorf("empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%s: %w: %s", strings.Join(argv, " "), err, strings.TrimSpace(string(output)))
	}
	return strings.TrimSpace(string(output)), nil
}
