package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/amonks/autodeps/env"
	"github.com/amonks/autodeps/internal/config"
	"github.com/amonks/autodeps/internal/fingerprint"
	"github.com/amonks/autodeps/internal/flock"
	"github.com/amonks/autodeps/internal/installer"
	"github.com/amonks/autodeps/internal/paths"
	"github.com/amonks/autodeps/internal/state"
	"github.com/amonks/autodeps/internal/volume"
)

// app bundles everything a command needs, resolved from flags and config.
type app struct {
	settings    *config.Settings
	venv        *installer.Virtualenv
	history     *state.Store
	provisioner *env.Provisioner
	logger      *log.Logger
}

func newLogger(w io.Writer) *log.Logger {
	level := log.InfoLevel
	if verbose {
		level = log.DebugLevel
	}
	return log.NewWithOptions(w, log.Options{
		Prefix: "autodeps",
		Level:  level,
	})
}

func loadApp(ctx context.Context, stderr io.Writer) (*app, error) {
	root, err := paths.ResolveWithDefault(rootDir, paths.WorkingDir)
	if err != nil {
		return nil, withStage("config", err)
	}
	cfg, err := config.Load(root, configPath)
	if err != nil {
		return nil, withStage("config", err)
	}
	settings, err := cfg.Resolve(root)
	if err != nil {
		return nil, withStage("config", err)
	}

	stateDir, err := paths.DefaultStateDir()
	if err != nil {
		return nil, withStage("config", err)
	}

	logger := newLogger(stderr)
	venv := &installer.Virtualenv{
		Command:      settings.Virtualenv,
		Python:       settings.Python,
		PipArgs:      settings.PipArgs,
		SubmoduleDir: settings.SubmoduleDir,
		Relocatable:  settings.Relocatable,
		Progress:     stderr,
	}
	pythonVersion, installerVersion := venv.Versions(ctx)
	logger.Debug("detected tools", "python", pythonVersion, "virtualenv", installerVersion)

	history := state.NewStore(stateDir)
	provisioner, err := env.New(env.Options{
		Requirements: settings.Requirements,
		Params: fingerprint.Params{
			Python:    pythonVersion,
			Installer: installerVersion,
			PipArgs:   strings.Join(settings.PipArgs, " "),
		},
		Volumes:       settings.Volumes,
		RequiredBytes: volume.GigabytesToBytes(settings.RequiredGigabytes),
		ArchiveDir:    settings.ArchiveDir,
		ArchiveSearch: settings.ArchiveSearch,
		Latest:        settings.Latest,
		LockTimeout:   settings.LockTimeout,
		Builder:       venv,
		AfterRestore:  venv.SubmoduleUpdate,
		History:       history,
		Logger:        logger,
		Events: env.Events{
			LockContended: func(lockPath string, holder flock.Holder) {
				fmt.Fprintf(stderr, "waiting for %s, held by %s\n", lockPath, holder)
			},
		},
	})
	if err != nil {
		return nil, withStage("config", err)
	}

	return &app{
		settings:    settings,
		venv:        venv,
		history:     history,
		provisioner: provisioner,
		logger:      logger,
	}, nil
}
