// Package installer creates Python virtual environments by driving the
// virtualenv and pip command-line tools.
package installer

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"strings"
)

// Requirements is what a Builder installs.
type Requirements struct {
	// Lines are individual requirement specifiers, comments removed.
	Lines []string
}

// Builder populates dir with a complete environment. On error the contents
// of dir are undefined and the caller discards it.
type Builder interface {
	Build(ctx context.Context, dir string, reqs Requirements) error
}

// BuilderFunc adapts a function to Builder.
type BuilderFunc func(ctx context.Context, dir string, reqs Requirements) error

// Build calls f.
func (f BuilderFunc) Build(ctx context.Context, dir string, reqs Requirements) error {
	return f(ctx, dir, reqs)
}

// Virtualenv builds environments with the virtualenv tool and pip.
type Virtualenv struct {
	// Command runs virtualenv, e.g. "virtualenv" or "python3 -m virtualenv".
	Command string

	// Python is the interpreter used for global installs. Its version is
	// probed too, unless Command runs virtualenv as a module of another
	// interpreter.
	Python string

	// PipArgs are inserted after "pip install".
	PipArgs []string

	// SubmoduleDir, when set, gets a "git submodule update --init" before
	// the environment is created, and its revision is recorded in the
	// environment. Failures there are ignored.
	SubmoduleDir string

	// Relocatable runs "virtualenv --relocatable" after installing.
	Relocatable bool

	// Progress receives step progress lines.
	Progress io.Writer
}

var _ Builder = (*Virtualenv)(nil)

// Build creates the environment in dir and installs each requirement.
func (v *Virtualenv) Build(ctx context.Context, dir string, reqs Requirements) error {
	total := 1 + len(reqs.Lines)
	if v.SubmoduleDir != "" {
		total += 2
	}
	if v.Relocatable {
		total++
	}
	s := newSteps(v.Progress, total)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create build dir: %w", err)
	}

	if v.SubmoduleDir != "" {
		_ = s.run(ctx, "Updating submodules", submoduleUpdate, v.SubmoduleDir, filepath.Join(dir, "submodules.log"))
	}

	venv := append(v.command(), "--always-copy", dir)
	if err := s.run(ctx, "Creating venv "+dir, venv, "", filepath.Join(dir, "venv.log")); err != nil {
		return err
	}

	if v.SubmoduleDir != "" {
		_ = s.run(ctx, "Recording git revision", []string{"git", "log", "-1", "--format=%H%n%an%n%ad"}, v.SubmoduleDir, filepath.Join(dir, "revision"))
	}

	if err := os.WriteFile(filepath.Join(dir, "requirements.txt"), []byte(strings.Join(reqs.Lines, "\n")+"\n"), 0o644); err != nil {
		return fmt.Errorf("write requirements: %w", err)
	}

	python := filepath.Join(dir, "bin", "python")
	for _, req := range reqs.Lines {
		short := ShortName(req)
		argv := []string{python, "-m", "pip", "--log", filepath.Join(dir, short+".log"), "install"}
		argv = append(argv, v.PipArgs...)
		argv = append(argv, req)
		if err := s.run(ctx, "Installing pip package "+short, argv, "", filepath.Join(dir, short+".out")); err != nil {
			return err
		}
	}

	if v.Relocatable {
		argv := append(v.command(), "--relocatable", "--system-site-packages", dir)
		if err := s.run(ctx, "Making venv relocatable", argv, "", filepath.Join(dir, "relocatable.log")); err != nil {
			return err
		}
	}
	return nil
}

var submoduleUpdate = []string{"git", "submodule", "update", "--init"}

// SubmoduleUpdate runs "git submodule update --init" in SubmoduleDir with its
// output logged to dir/submodules.log. It does nothing when SubmoduleDir is
// unset, and a failing update is reported but not returned.
func (v *Virtualenv) SubmoduleUpdate(ctx context.Context, dir string) {
	if v.SubmoduleDir == "" {
		return
	}
	_ = newSteps(v.Progress, 1).run(ctx, "Updating submodules", submoduleUpdate, v.SubmoduleDir, filepath.Join(dir, "submodules.log"))
}

func (v *Virtualenv) command() []string {
	fields := strings.Fields(v.Command)
	if len(fields) == 0 {
		return []string{"virtualenv"}
	}
	return fields
}

func (v *Virtualenv) python() []string {
	fields := strings.Fields(v.Python)
	if len(fields) == 0 {
		return []string{"python3"}
	}
	return fields
}

// interpreter returns the python that virtualenv runs under when Command
// names it ("python3.11 -m virtualenv"), and the Python setting otherwise.
func (v *Virtualenv) interpreter() []string {
	cmd := v.command()
	for i, field := range cmd {
		if field == "-m" && i > 0 && i+1 < len(cmd) && cmd[i+1] == "virtualenv" {
			return append([]string(nil), cmd[:i]...)
		}
	}
	return v.python()
}

var versionPattern = regexp.MustCompile(`\d+(\.\d+)+`)

// versionNumber extracts the dotted version from a --version banner.
// virtualenv appends the path it was loaded from, which differs between
// machines that have the same release installed.
func versionNumber(banner string) string {
	if m := versionPattern.FindString(banner); m != "" {
		return m
	}
	return strings.TrimSpace(banner)
}

// Versions reports the interpreter and virtualenv version numbers. A tool
// that cannot be run reports an empty version.
func (v *Virtualenv) Versions(ctx context.Context) (python, installer string) {
	if out, err := commandOutput(ctx, append(v.interpreter(), "--version")); err == nil {
		python = versionNumber(out)
	}
	if out, err := commandOutput(ctx, append(v.command(), "--version")); err == nil {
		installer = versionNumber(out)
	}
	return python, installer
}

// InstallGlobally installs each requirement into the system interpreter.
// It must run as root.
func (v *Virtualenv) InstallGlobally(ctx context.Context, reqs Requirements) error {
	u, err := user.Current()
	if err != nil {
		return fmt.Errorf("get current user: %w", err)
	}
	if u.Uid != "0" {
		return fmt.Errorf("install-globally must run as root, not %s", u.Username)
	}

	logDir, err := os.MkdirTemp("", "autodeps-logs-")
	if err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	defer os.RemoveAll(logDir)

	s := newSteps(v.Progress, len(reqs.Lines))
	for _, req := range reqs.Lines {
		short := ShortName(req)
		argv := append(v.python(), "-m", "pip", "install", "--upgrade")
		argv = append(argv, v.PipArgs...)
		argv = append(argv, req)
		if err := s.run(ctx, "Installing pip package "+short, argv, "", filepath.Join(logDir, short+".out")); err != nil {
			return err
		}
	}
	return nil
}

var (
	urlNamePattern  = regexp.MustCompile(`.*/([a-zA-Z-]+)`)
	lastWordPattern = regexp.MustCompile(` ([a-zA-Z]+)$`)
	unsafeChars     = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)
)

// ShortName derives a file-name-safe label for a requirement, used to name
// its log files.
func ShortName(req string) string {
	name := req
	if m := urlNamePattern.FindStringSubmatch(req); m != nil {
		name = m[1]
	} else if m := lastWordPattern.FindStringSubmatch(req); m != nil {
		name = m[1]
	}
	name = strings.Trim(unsafeChars.ReplaceAllString(name, "_"), "_")
	if name == "" {
		return "requirement"
	}
	return name
}
