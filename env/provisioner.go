package env

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/amonks/autodeps/archive"
	"github.com/amonks/autodeps/internal/fingerprint"
	"github.com/amonks/autodeps/internal/flock"
	"github.com/amonks/autodeps/internal/installer"
	"github.com/amonks/autodeps/internal/state"
	"github.com/amonks/autodeps/internal/volume"
)

// DefaultLockTimeout bounds the wait for another builder when
// Options.LockTimeout is zero.
const DefaultLockTimeout = 10 * time.Minute

// Phase is a step of the provisioning state machine.
type Phase string

const (
	PhaseUnknown   Phase = "unknown"
	PhaseLocked    Phase = "locked"
	PhaseRestoring Phase = "restoring"
	PhaseBuilding  Phase = "building"
	PhaseValidated Phase = "validated"
	PhasePublished Phase = "published"
	PhaseFailed    Phase = "failed"
)

// Events receives progress notifications. Nil callbacks are skipped.
type Events struct {
	// LockContended is called when another process holds the build lock.
	LockContended func(lockPath string, holder flock.Holder)

	// StateChanged is called on every state machine transition.
	StateChanged func(fp fingerprint.Fingerprint, phase Phase)
}

// Options configures a Provisioner.
type Options struct {
	// Requirements are the requirement files, in order.
	Requirements []string

	// Params are the build parameters folded into the fingerprint.
	Params fingerprint.Params

	// Volumes are candidate directories, most preferred first.
	Volumes []string

	// RequiredBytes is the free space a volume needs to be chosen.
	RequiredBytes uint64

	// Space measures free space. Defaults to volume.FreeBytes.
	Space volume.SpaceFunc

	// ArchiveDir is the shared archive directory. Empty disables
	// publishing to the archive.
	ArchiveDir string

	// ArchiveSearch lists extra read-only archive directories.
	ArchiveSearch []string

	// Latest is the symlink published after provisioning. Empty disables it.
	Latest string

	// LockTimeout bounds the wait for another builder. Defaults to
	// DefaultLockTimeout.
	LockTimeout time.Duration

	// Builder builds environments that could not be restored.
	Builder installer.Builder

	// AfterRestore, when set, runs on an environment restored from the
	// archive before it is marked complete. It cannot fail the restore.
	AfterRestore func(ctx context.Context, dir string)

	// History, when set, records every restore and build.
	History *state.Store

	Logger *log.Logger
	Events Events
}

// Provisioner makes environments available.
type Provisioner struct {
	opts    Options
	archive *archive.Store
	logger  *log.Logger
	now     func() time.Time
}

// Result describes a provisioned environment.
type Result struct {
	Fingerprint fingerprint.Fingerprint
	// Dir is the environment directory.
	Dir string
	// Volume is the volume holding Dir.
	Volume string
	// Source says whether the environment already existed, was restored
	// from the archive, or was built.
	Source state.Source
	// Latest is the published symlink, or "" when publishing is disabled.
	Latest   string
	Duration time.Duration
}

// New returns a Provisioner.
func New(opts Options) (*Provisioner, error) {
	if len(opts.Requirements) == 0 {
		return nil, errors.New("no requirement files configured")
	}
	if len(opts.Volumes) == 0 {
		return nil, errors.New("no volumes configured")
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	store := archive.New(opts.ArchiveDir, archive.Options{
		Search:  opts.ArchiveSearch,
		Exclude: []string{MarkerName},
		Logger:  logger,
	})
	return &Provisioner{opts: opts, archive: store, logger: logger, now: time.Now}, nil
}

// Archive returns the archive store the Provisioner restores from and
// publishes to.
func (p *Provisioner) Archive() *archive.Store {
	return p.archive
}

// Fingerprint computes the fingerprint of the configured requirements.
func (p *Provisioner) Fingerprint() (fingerprint.Fingerprint, error) {
	return fingerprint.Compute(p.opts.Requirements, p.opts.Params)
}

// Plan describes where Provision would put the environment, without
// building anything.
type Plan struct {
	Fingerprint fingerprint.Fingerprint
	Volume      volume.Candidate
	Dir         string
	Complete    bool
	// Archive is the entry Provision would restore from, or "".
	Archive string
}

// Plan resolves the fingerprint and selects a volume.
func (p *Provisioner) Plan() (*Plan, error) {
	fp, err := p.Fingerprint()
	if err != nil {
		return nil, err
	}
	candidate, err := p.selectVolume(fp)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(candidate.Path, fp.String())
	entry, _ := p.archive.Lookup(fp.String())
	return &Plan{
		Fingerprint: fp,
		Volume:      candidate,
		Dir:         dir,
		Complete:    Complete(dir),
		Archive:     entry,
	}, nil
}

// selectVolume prefers a volume that already holds this fingerprint, so
// repeat runs stay put when free space shrinks.
func (p *Provisioner) selectVolume(fp fingerprint.Fingerprint) (volume.Candidate, error) {
	sel := volume.Selector{
		Space: p.opts.Space,
		Prefer: func(path string) bool {
			for _, name := range []string{fp.String(), fp.String() + ".lock"} {
				if _, err := os.Lstat(filepath.Join(path, name)); err == nil {
					return true
				}
			}
			return false
		},
	}
	return sel.Select(p.opts.Volumes, p.opts.RequiredBytes)
}

// Provision makes sure a complete environment for the current requirements
// exists and publishes it.
func (p *Provisioner) Provision(ctx context.Context) (*Result, error) {
	start := p.now()

	fp, err := p.Fingerprint()
	if err != nil {
		return nil, err
	}
	p.phase(fp, PhaseUnknown)

	candidate, err := p.selectVolume(fp)
	if err != nil {
		return nil, err
	}
	target := filepath.Join(candidate.Path, fp.String())
	res := &Result{Fingerprint: fp, Dir: target, Volume: candidate.Path, Latest: p.opts.Latest}

	if Complete(target) {
		p.logger.Debug("environment already complete", "dir", target)
		res.Source = state.SourceExisting
		return p.publish(res, start)
	}

	source, err := p.provisionLocked(ctx, fp, target)
	if err != nil {
		p.phase(fp, PhaseFailed)
		return nil, err
	}
	res.Source = source
	res, err = p.publish(res, start)
	if err != nil {
		return nil, err
	}
	if source != state.SourceExisting {
		p.record(ctx, res)
	}
	return res, nil
}

// provisionLocked runs the locked part of the state machine and reports
// where the environment came from. The lock is released before it returns.
func (p *Provisioner) provisionLocked(ctx context.Context, fp fingerprint.Fingerprint, target string) (state.Source, error) {
	lockPath := target + ".lock"
	lock, err := flock.Acquire(ctx, lockPath, flock.Options{
		Timeout: p.opts.LockTimeout,
		OnContended: func(holder flock.Holder) {
			p.logger.Debug("waiting for another process to finish building", "fingerprint", fp, "holder", holder.String())
			if p.opts.Events.LockContended != nil {
				p.opts.Events.LockContended(lockPath, holder)
			}
		},
	})
	if err != nil {
		var timeout *flock.TimeoutError
		if errors.As(err, &timeout) {
			return "", &LockTimeoutError{
				Fingerprint: fp,
				LockPath:    lockPath,
				Waited:      timeout.Waited,
				Holder:      timeout.Holder,
				Err:         err,
			}
		}
		return "", err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			p.logger.Warn("failed to release lock", "lock", lock.Path(), "err", err)
		}
	}()
	p.phase(fp, PhaseLocked)

	if Complete(target) {
		p.logger.Debug("environment completed by another process", "dir", target)
		return state.SourceExisting, nil
	}

	// Anything here without a marker is left over from a crashed run.
	if err := removeIfExists(target); err != nil {
		return "", fmt.Errorf("remove incomplete environment %s: %w", target, err)
	}

	p.phase(fp, PhaseRestoring)
	if err := p.archive.Fetch(ctx, fp.String(), target); err == nil {
		if p.opts.AfterRestore != nil {
			p.opts.AfterRestore(ctx, target)
		}
		if err := writeMarker(target, newMarker(fp.String(), state.SourceArchive, p.now())); err != nil {
			return "", errors.Join(err, removeIfExists(target))
		}
		p.phase(fp, PhaseValidated)
		return state.SourceArchive, nil
	} else if !errors.Is(err, archive.ErrNotFound) {
		p.logger.Warn("archive restore failed, building instead", "fingerprint", fp, "err", err)
		if err := removeIfExists(target); err != nil {
			return "", fmt.Errorf("remove partial restore %s: %w", target, err)
		}
	}

	if err := p.build(ctx, fp, target); err != nil {
		return "", err
	}
	p.phase(fp, PhaseValidated)

	if err := p.archive.Publish(ctx, fp.String(), target); err != nil {
		p.logger.Warn("failed to publish archive", "fingerprint", fp, "err", err)
	}
	return state.SourceBuild, nil
}

func (p *Provisioner) build(ctx context.Context, fp fingerprint.Fingerprint, target string) error {
	p.phase(fp, PhaseBuilding)
	if p.opts.Builder == nil {
		return &BuildFailedError{Fingerprint: fp, Err: errors.New("no builder configured")}
	}

	lines, err := fingerprint.ReadRequirements(p.opts.Requirements)
	if err != nil {
		return err
	}

	tmp := fmt.Sprintf("%s.build-%s", target, uuid.NewString())
	if err := os.Mkdir(tmp, 0o755); err != nil {
		return &BuildFailedError{Fingerprint: fp, Err: fmt.Errorf("create build dir: %w", err)}
	}

	p.logger.Info("building environment", "fingerprint", fp, "dir", tmp)
	if err := p.opts.Builder.Build(ctx, tmp, installer.Requirements{Lines: lines}); err != nil {
		failed := &BuildFailedError{Fingerprint: fp, Err: err}
		var step *installer.StepError
		if errors.As(err, &step) {
			failed.Step = step.Step
			failed.LogFile = keepLog(step.LogFile, tmp, target+".failed.log")
		}
		if rmErr := removeIfExists(tmp); rmErr != nil {
			p.logger.Warn("failed to remove build dir", "dir", tmp, "err", rmErr)
		}
		return failed
	}

	if err := validate(tmp); err != nil {
		return &BuildFailedError{Fingerprint: fp, Err: errors.Join(err, removeIfExists(tmp))}
	}
	if err := os.Rename(tmp, target); err != nil {
		return &BuildFailedError{Fingerprint: fp, Err: errors.Join(fmt.Errorf("install environment: %w", err), removeIfExists(tmp))}
	}
	if err := writeMarker(target, newMarker(fp.String(), state.SourceBuild, p.now())); err != nil {
		return &BuildFailedError{Fingerprint: fp, Err: errors.Join(err, removeIfExists(target))}
	}
	return nil
}

// validate rejects a build that produced nothing.
func validate(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read build dir: %w", err)
	}
	if len(entries) == 0 {
		return errors.New("build produced an empty environment")
	}
	return nil
}

// keepLog moves a failed step's log out of the build dir before the build
// dir is removed. It returns where the log can be found afterwards.
func keepLog(logFile, buildDir, dst string) string {
	if logFile == "" {
		return ""
	}
	rel, err := filepath.Rel(buildDir, logFile)
	if err != nil || !filepath.IsLocal(rel) {
		return logFile
	}
	if err := os.Rename(logFile, dst); err != nil {
		return ""
	}
	return dst
}

func (p *Provisioner) publish(res *Result, start time.Time) (*Result, error) {
	if err := PublishLatest(res.Dir, p.opts.Latest); err != nil {
		p.phase(res.Fingerprint, PhaseFailed)
		return nil, err
	}
	res.Duration = p.now().Sub(start)
	p.phase(res.Fingerprint, PhasePublished)
	return res, nil
}

func (p *Provisioner) record(ctx context.Context, res *Result) {
	if p.opts.History == nil {
		return
	}
	host, _ := os.Hostname()
	err := p.opts.History.Record(ctx, state.Provision{
		Fingerprint: res.Fingerprint.String(),
		Dir:         res.Dir,
		Volume:      res.Volume,
		Source:      res.Source,
		Duration:    res.Duration,
		At:          p.now().UTC(),
		PID:         os.Getpid(),
		Host:        host,
	})
	if err != nil {
		p.logger.Warn("failed to record provisioning history", "err", err)
	}
}

func (p *Provisioner) phase(fp fingerprint.Fingerprint, phase Phase) {
	p.logger.Debug("provisioning", "fingerprint", fp, "phase", phase)
	if p.opts.Events.StateChanged != nil {
		p.opts.Events.StateChanged(fp, phase)
	}
}
