// Package config loads bkupman's layered JSONC configuration.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"time"

	"github.com/tailscale/hujson"
)

var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
	ErrConfigInvalid      = errors.New("invalid config")
	ErrInvalidSize        = errors.New("invalid size")
	ErrFragmentTooSmall   = errors.New("fragment_size must be at least 1m")
	ErrFragmentTooLarge   = errors.New("fragment_size must be at most 1g")
	ErrInvalidWorkers     = errors.New("workers must be positive")
	ErrInvalidLockTimeout = errors.New("invalid lock_timeout")
	ErrInvalidLogLevel    = errors.New("invalid log_level")
	ErrInvalidLogFormat   = errors.New("invalid log_format")
)

// FileName is the per-archive config file in the base directory.
const FileName = ".bkupman.json"

// Fragment size bounds mirror crypt.MinFragmentSize and
// crypt.MaxFragmentSize so bad values fail before any lock is taken.
const (
	MinFragmentSize = 1 << 20
	MaxFragmentSize = 1 << 30
)

// Config holds all configuration options.
type Config struct {
	// From config files (serialized)
	FragmentSize string `json:"fragment_size,omitempty"`
	Workers      int    `json:"workers,omitempty"`
	LockTimeout  string `json:"lock_timeout,omitempty"`
	LogLevel     string `json:"log_level,omitempty"`
	LogFormat    string `json:"log_format,omitempty"`

	// Resolved values (computed, not serialized)
	BaseDir           string        `json:"-"`
	FragmentSizeBytes uint64        `json:"-"`
	LockTimeoutDur    time.Duration `json:"-"`

	Sources Sources `json:"-"`
}

// Sources tracks which config files were loaded.
type Sources struct {
	Global  string
	Archive string
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		FragmentSize: "64m",
		Workers:      runtime.NumCPU(),
		LockTimeout:  "0s",
		LogLevel:     "warn",
		LogFormat:    "console",
	}
}

var (
	logLevels  = []string{"debug", "info", "warn", "error"}
	logFormats = []string{"console", "json"}
)

// globalPath returns $XDG_CONFIG_HOME/bkupman/config.json, falling back to
// ~/.config. Empty if neither is known.
func globalPath(env map[string]string) string {
	if xdg := env["XDG_CONFIG_HOME"]; xdg != "" {
		return filepath.Join(xdg, "bkupman", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "bkupman", "config.json")
	}

	return ""
}

// LoadInput holds the inputs for [Load].
type LoadInput struct {
	BaseDirOverride string // -C flag value; if empty, os.Getwd() is used
	ConfigPath      string // -c flag value
	Env             map[string]string

	// CLI overrides; zero means not set.
	FragmentSize string
	Workers      int
	LogLevel     string
}

// Load resolves configuration with the following precedence (highest wins):
// 1. Defaults
// 2. Global user config ($XDG_CONFIG_HOME/bkupman/config.json)
// 3. Archive config at <base>/.bkupman.json, if it exists
// 4. Explicit config file via ConfigPath (must exist)
// 5. CLI overrides.
func Load(input LoadInput) (Config, error) {
	baseDir := input.BaseDirOverride
	if baseDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}

		baseDir = wd
	}

	baseDir, err := filepath.Abs(baseDir)
	if err != nil {
		return Config{}, fmt.Errorf("resolving %s: %w", input.BaseDirOverride, err)
	}

	cfg := Default()

	if path := globalPath(input.Env); path != "" {
		fileCfg, loaded, err := loadFile(path, false)
		if err != nil {
			return Config{}, err
		}

		if loaded {
			cfg = merge(cfg, fileCfg)
			cfg.Sources.Global = path
		}
	}

	archivePath := filepath.Join(baseDir, FileName)

	fileCfg, loaded, err := loadFile(archivePath, false)
	if err != nil {
		return Config{}, err
	}

	if loaded {
		cfg = merge(cfg, fileCfg)
		cfg.Sources.Archive = archivePath
	}

	if input.ConfigPath != "" {
		path := input.ConfigPath
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}

		if _, statErr := os.Stat(path); statErr != nil {
			return Config{}, fmt.Errorf("%w: %s", ErrConfigFileNotFound, input.ConfigPath)
		}

		fileCfg, _, err := loadFile(path, true)
		if err != nil {
			return Config{}, err
		}

		cfg = merge(cfg, fileCfg)
		cfg.Sources.Archive = path
	}

	cfg = merge(cfg, Config{FragmentSize: input.FragmentSize, Workers: input.Workers, LogLevel: input.LogLevel})
	cfg.BaseDir = baseDir

	if err := resolve(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// loadFile reads one JSONC file. Missing optional files report loaded=false.
func loadFile(path string, mustExist bool) (Config, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return Config{}, false, nil
		}

		return Config{}, false, fmt.Errorf("%w: %s: %w", ErrConfigFileRead, path, err)
	}

	cfg, err := parse(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	return cfg, true, nil
}

func parse(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg Config

	dec := json.NewDecoder(bytes.NewReader(standardized))
	dec.DisallowUnknownFields()

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return cfg, nil
}

func merge(base, overlay Config) Config {
	if overlay.FragmentSize != "" {
		base.FragmentSize = overlay.FragmentSize
	}

	if overlay.Workers != 0 {
		base.Workers = overlay.Workers
	}

	if overlay.LockTimeout != "" {
		base.LockTimeout = overlay.LockTimeout
	}

	if overlay.LogLevel != "" {
		base.LogLevel = overlay.LogLevel
	}

	if overlay.LogFormat != "" {
		base.LogFormat = overlay.LogFormat
	}

	return base
}

// resolve validates cfg and fills the computed fields.
func resolve(cfg *Config) error {
	size, err := ParseSize(cfg.FragmentSize)
	if err != nil {
		return fmt.Errorf("%w: fragment_size: %w", ErrConfigInvalid, err)
	}

	if size < MinFragmentSize {
		return fmt.Errorf("%w: %w (got %s)", ErrConfigInvalid, ErrFragmentTooSmall, cfg.FragmentSize)
	}

	if size > MaxFragmentSize {
		return fmt.Errorf("%w: %w (got %s)", ErrConfigInvalid, ErrFragmentTooLarge, cfg.FragmentSize)
	}

	cfg.FragmentSizeBytes = size

	if cfg.Workers < 0 {
		return fmt.Errorf("%w: %w (got %d)", ErrConfigInvalid, ErrInvalidWorkers, cfg.Workers)
	}

	// Negative waits for the lock without bound.
	timeout, err := time.ParseDuration(cfg.LockTimeout)
	if err != nil {
		return fmt.Errorf("%w: %w %q", ErrConfigInvalid, ErrInvalidLockTimeout, cfg.LockTimeout)
	}

	cfg.LockTimeoutDur = timeout

	if !slices.Contains(logLevels, cfg.LogLevel) {
		return fmt.Errorf("%w: %w %q", ErrConfigInvalid, ErrInvalidLogLevel, cfg.LogLevel)
	}

	if !slices.Contains(logFormats, cfg.LogFormat) {
		return fmt.Errorf("%w: %w %q", ErrConfigInvalid, ErrInvalidLogFormat, cfg.LogFormat)
	}

	return nil
}
