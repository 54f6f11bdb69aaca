// Package config handles loading autodeps.toml configuration files.
package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/amonks/autodeps/internal/paths"
)

// FileName is the name of the project configuration file.
const FileName = "autodeps.toml"

const (
	defaultRequirements = "{root}/requirements.txt"
	defaultLatest       = "{root}/.venv_latest"
	defaultGigabytes    = 1.0
	defaultLockTimeout  = 10 * time.Minute
	defaultVirtualenv   = "virtualenv"
	defaultPython       = "python3"
	placeholderRoot     = "{root}"
	placeholderHome     = "{home}"
	placeholderUser     = "{user}"
)

// Config represents the autodeps.toml configuration file.
type Config struct {
	// Requirements lists the requirement files hashed into the fingerprint,
	// in order.
	Requirements []string `toml:"requirements"`
	// VenvDirSearch lists the candidate volumes, most preferred first.
	VenvDirSearch []string `toml:"venv-dir-search"`
	// VenvDirRequiredGigabytes is the free space a volume needs to be chosen.
	VenvDirRequiredGigabytes float64 `toml:"venv-dir-required-gigabytes"`
	// ArchivedVenvDir is the shared archive directory. Empty disables archiving.
	ArchivedVenvDir string `toml:"archived-venv-dir"`
	// ArchiveSearch lists extra read-only archive directories. Defaults to
	// the venv-dir-search volumes; an explicit empty list disables it.
	ArchiveSearch []string `toml:"archive-search"`
	// VenvLatest is the symlink pointed at the provisioned environment.
	// An explicit empty string disables it.
	VenvLatest string `toml:"venv-latest"`
	// SubmoduleUpdate is a checkout to run "git submodule update --init" in
	// before building and after restoring from the archive.
	SubmoduleUpdate string `toml:"submodule-update"`
	Virtualenv      string `toml:"virtualenv"`
	// Python is the interpreter for install-globally. Its version is hashed
	// into the fingerprint unless virtualenv is run as "<python> -m
	// virtualenv", in which case that interpreter is probed instead.
	Python  string `toml:"python"`
	PipArgs string `toml:"pip-args"`
	// LockTimeout bounds the wait for another builder, e.g. "10m".
	LockTimeout string `toml:"lock-timeout"`
	Relocatable bool   `toml:"relocatable"`

	latestDefined        bool
	gigabytesDefined     bool
	archiveSearchDefined bool
}

// Settings is a Config with defaults applied, placeholders expanded and
// paths made absolute.
type Settings struct {
	Root              string
	Requirements      []string
	Volumes           []string
	RequiredGigabytes float64
	ArchiveDir        string
	ArchiveSearch     []string
	Latest            string
	SubmoduleDir      string
	Virtualenv        string
	Python            string
	PipArgs           []string
	LockTimeout       time.Duration
	Relocatable       bool
}

// Load loads configuration from the project root and the global config file.
// When path is non-empty it replaces the project file and must exist.
// Returns an empty config if no config files exist.
func Load(root, path string) (*Config, error) {
	globalPath, err := paths.GlobalConfigPath()
	if err != nil {
		return nil, err
	}

	globalCfg, globalMeta, err := loadConfigFile(globalPath, false)
	if err != nil {
		return nil, err
	}

	required := path != ""
	if path == "" {
		path = filepath.Join(root, FileName)
	}
	projectCfg, projectMeta, err := loadConfigFile(path, required)
	if err != nil {
		return nil, err
	}

	return mergeConfigs(globalCfg, projectCfg, globalMeta, projectMeta), nil
}

func loadConfigFile(path string, required bool) (*Config, toml.MetaData, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) && !required {
		return &Config{}, toml.MetaData{}, nil
	}
	if err != nil {
		return nil, toml.MetaData{}, fmt.Errorf("read config file %s: %w", path, err)
	}

	var cfg Config
	meta, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, toml.MetaData{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, toml.MetaData{}, fmt.Errorf("parse config file %s: unknown key %q", path, undecoded[0].String())
	}

	return &cfg, meta, nil
}

func mergeConfigs(globalCfg, projectCfg *Config, globalMeta, projectMeta toml.MetaData) *Config {
	if globalCfg == nil {
		globalCfg = &Config{}
	}
	if projectCfg == nil {
		projectCfg = &Config{}
	}

	merged := Config{}
	merged.Requirements = mergeList(projectMeta.IsDefined("requirements"), globalMeta.IsDefined("requirements"), projectCfg.Requirements, globalCfg.Requirements)
	merged.VenvDirSearch = mergeList(projectMeta.IsDefined("venv-dir-search"), globalMeta.IsDefined("venv-dir-search"), projectCfg.VenvDirSearch, globalCfg.VenvDirSearch)
	merged.ArchiveSearch = mergeList(projectMeta.IsDefined("archive-search"), globalMeta.IsDefined("archive-search"), projectCfg.ArchiveSearch, globalCfg.ArchiveSearch)
	merged.ArchivedVenvDir = mergeString(projectMeta.IsDefined("archived-venv-dir"), projectCfg.ArchivedVenvDir, globalCfg.ArchivedVenvDir)
	merged.VenvLatest = mergeString(projectMeta.IsDefined("venv-latest"), projectCfg.VenvLatest, globalCfg.VenvLatest)
	merged.SubmoduleUpdate = mergeString(projectMeta.IsDefined("submodule-update"), projectCfg.SubmoduleUpdate, globalCfg.SubmoduleUpdate)
	merged.Virtualenv = mergeString(projectMeta.IsDefined("virtualenv"), projectCfg.Virtualenv, globalCfg.Virtualenv)
	merged.Python = mergeString(projectMeta.IsDefined("python"), projectCfg.Python, globalCfg.Python)
	merged.PipArgs = mergeString(projectMeta.IsDefined("pip-args"), projectCfg.PipArgs, globalCfg.PipArgs)
	merged.LockTimeout = mergeString(projectMeta.IsDefined("lock-timeout"), projectCfg.LockTimeout, globalCfg.LockTimeout)

	merged.VenvDirRequiredGigabytes = globalCfg.VenvDirRequiredGigabytes
	if projectMeta.IsDefined("venv-dir-required-gigabytes") {
		merged.VenvDirRequiredGigabytes = projectCfg.VenvDirRequiredGigabytes
	}
	merged.gigabytesDefined = projectMeta.IsDefined("venv-dir-required-gigabytes") || globalMeta.IsDefined("venv-dir-required-gigabytes")

	merged.Relocatable = globalCfg.Relocatable
	if projectMeta.IsDefined("relocatable") {
		merged.Relocatable = projectCfg.Relocatable
	}

	merged.latestDefined = projectMeta.IsDefined("venv-latest") || globalMeta.IsDefined("venv-latest")
	merged.archiveSearchDefined = projectMeta.IsDefined("archive-search") || globalMeta.IsDefined("archive-search")

	return &merged
}

func mergeString(projectDefined bool, projectValue, globalValue string) string {
	value := globalValue
	if projectDefined {
		value = projectValue
	}
	return strings.TrimSpace(value)
}

func mergeList(projectDefined, globalDefined bool, projectValue, globalValue []string) []string {
	if projectDefined {
		return append([]string(nil), projectValue...)
	}
	if globalDefined {
		return append([]string(nil), globalValue...)
	}
	return nil
}

// Resolve applies defaults and expands placeholders relative to root.
func (c *Config) Resolve(root string) (*Settings, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	home, err := paths.HomeDir()
	if err != nil {
		return nil, err
	}
	x := expander{root: root, home: home, user: currentUser()}

	s := &Settings{
		Root:              root,
		ArchiveDir:        x.path(c.ArchivedVenvDir),
		SubmoduleDir:      x.path(c.SubmoduleUpdate),
		Virtualenv:        valueOr(x.expand(c.Virtualenv), defaultVirtualenv),
		Python:            valueOr(x.expand(c.Python), defaultPython),
		RequiredGigabytes: c.VenvDirRequiredGigabytes,
		LockTimeout:       defaultLockTimeout,
		Relocatable:       c.Relocatable,
	}

	if args := strings.Fields(x.expand(c.PipArgs)); len(args) > 0 {
		s.PipArgs = args
	}

	reqs := c.Requirements
	if len(reqs) == 0 {
		reqs = []string{defaultRequirements}
	}
	s.Requirements = x.paths(reqs)

	s.Volumes = x.paths(c.VenvDirSearch)
	if len(s.Volumes) == 0 {
		dir, err := paths.DefaultVolumeDir()
		if err != nil {
			return nil, err
		}
		s.Volumes = []string{dir}
	}
	s.ArchiveSearch = x.paths(c.ArchiveSearch)
	if !c.archiveSearchDefined {
		// Entries left beside environments on any volume are reused too.
		s.ArchiveSearch = append([]string(nil), s.Volumes...)
	}

	if !c.gigabytesDefined {
		s.RequiredGigabytes = defaultGigabytes
	}
	if s.RequiredGigabytes < 0 {
		return nil, fmt.Errorf("venv-dir-required-gigabytes must not be negative, got %v", s.RequiredGigabytes)
	}

	latest := c.VenvLatest
	if !c.latestDefined {
		latest = defaultLatest
	}
	s.Latest = x.path(latest)

	if c.LockTimeout != "" {
		d, err := time.ParseDuration(c.LockTimeout)
		if err != nil {
			return nil, fmt.Errorf("parse lock-timeout %q: %w", c.LockTimeout, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("lock-timeout must be positive, got %q", c.LockTimeout)
		}
		s.LockTimeout = d
	}

	return s, nil
}

type expander struct {
	root, home, user string
}

func (x expander) expand(s string) string {
	s = strings.TrimSpace(s)
	if s == "~" {
		s = placeholderHome
	} else if strings.HasPrefix(s, "~/") {
		s = placeholderHome + s[1:]
	}
	return strings.NewReplacer(
		placeholderRoot, x.root,
		placeholderHome, x.home,
		placeholderUser, x.user,
	).Replace(s)
}

// path expands s and makes it absolute against root. Empty stays empty.
func (x expander) path(s string) string {
	s = x.expand(s)
	if s == "" {
		return ""
	}
	if !filepath.IsAbs(s) {
		s = filepath.Join(x.root, s)
	}
	return filepath.Clean(s)
}

func (x expander) paths(list []string) []string {
	var out []string
	for _, s := range list {
		if p := x.path(s); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func valueOr(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}
