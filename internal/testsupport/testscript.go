package testsupport

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rogpeppe/go-internal/testscript"
)

var (
	buildOnce    sync.Once
	autodepsPath string
	buildErr     error
)

// BuildAutodeps builds the autodeps binary once and returns its path.
func BuildAutodeps(t testing.TB) string {
	t.Helper()

	buildOnce.Do(func() {
		moduleRoot, err := findModuleRoot()
		if err != nil {
			buildErr = err
			return
		}

		binDir, err := os.MkdirTemp("", "autodeps-bin-")
		if err != nil {
			buildErr = err
			return
		}

		autodepsPath = filepath.Join(binDir, "autodeps")
		cmd := exec.Command("go", "build", "-o", autodepsPath, "./cmd/autodeps")
		cmd.Dir = moduleRoot
		output, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("build autodeps: %w: %s", err, strings.TrimSpace(string(output)))
		}
	})

	if buildErr != nil {
		t.Fatalf("%v", buildErr)
	}

	return autodepsPath
}

// SetupScriptEnv configures common environment variables for testscript.
func SetupScriptEnv(t testing.TB, env *testscript.Env) error {
	t.Helper()

	env.Setenv("AUTODEPS", BuildAutodeps(t))

	homeDir := filepath.Join(env.WorkDir, "home")
	if err := EnsureHomeDirs(homeDir); err != nil {
		return err
	}
	env.Setenv("HOME", homeDir)
	return nil
}

// CmdEnvSet stores the trimmed contents of a file in an env var.
func CmdEnvSet(ts *testscript.TestScript, neg bool, args []string) {
	if neg {
		ts.Fatalf("envset does not support negation")
	}
	if len(args) != 2 {
		ts.Fatalf("usage: envset VAR FILE")
	}

	value := strings.TrimSpace(ts.ReadFile(args[1]))
	ts.Setenv(args[0], value)
}

// CmdSymlinkTarget asserts that a symlink resolves to the given path.
func CmdSymlinkTarget(ts *testscript.TestScript, neg bool, args []string) {
	if len(args) != 2 {
		ts.Fatalf("usage: symlinkto LINK TARGET")
	}

	got, err := os.Readlink(ts.MkAbs(args[0]))
	if err != nil {
		if neg {
			return
		}
		ts.Fatalf("read link %s: %v", args[0], err)
	}
	matched := filepath.Clean(got) == filepath.Clean(ts.MkAbs(args[1]))
	if neg && matched {
		ts.Fatalf("%s points at %s", args[0], got)
	}
	if !neg && !matched {
		ts.Fatalf("%s points at %s, expected %s", args[0], got, args[1])
	}
}

func findModuleRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("could not find module root (go.mod)")
		}
		dir = parent
	}
}
