package txfs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/hujson"
)

// defaultMetadataDirName is the metadata root's name under the base
// directory when ManagerConfig doesn't override it (spec.md §6).
const defaultMetadataDirName = ".tx"

// defaultLockTimeout is the lock contention timeout when ManagerConfig
// doesn't override it (spec.md §4.2, §6).
const defaultLockTimeout = 10 * time.Second

// ManagerConfig configures a [Manager]. Zero-value fields fall back to
// defaults, matching spec.md §6: `{base_directory, metadata_dir_name?,
// lock_timeout_ms?}` with defaults `.tx`, `10000`.
type ManagerConfig struct {
	// BaseDirectory is the root all transaction paths resolve under. Required.
	BaseDirectory string `json:"base_directory"`

	// MetadataDirName names the directory under BaseDirectory the engine
	// owns for journal/staging/locks. Defaults to ".tx".
	MetadataDirName string `json:"metadata_dir_name,omitempty"`

	// LockTimeoutMs bounds how long a lock acquisition waits before
	// failing with [ErrLockTimeout]. Defaults to 10000.
	LockTimeoutMs int `json:"lock_timeout_ms,omitempty"`

	// Logger receives "log and continue" diagnostics. Defaults to
	// [NewSlogLogger] over [slog.Default] if nil.
	Logger Logger `json:"-"`
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.MetadataDirName == "" {
		c.MetadataDirName = defaultMetadataDirName
	}

	if c.LockTimeoutMs == 0 {
		c.LockTimeoutMs = int(defaultLockTimeout / time.Millisecond)
	}

	if c.Logger == nil {
		c.Logger = NewSlogLogger(nil)
	}

	return c
}

func (c ManagerConfig) lockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutMs) * time.Millisecond
}

// onDiskManagerConfig is the subset of ManagerConfig an on-disk config
// file may override; BaseDirectory and Logger are never read from disk.
type onDiskManagerConfig struct {
	MetadataDirName string `json:"metadata_dir_name,omitempty"`
	LockTimeoutMs   int    `json:"lock_timeout_ms,omitempty"`
}

// LoadManagerConfig builds a [ManagerConfig] for baseDir, layering an
// optional on-disk `<baseDir>/.tx/config.hujson` (JSON-with-comments, via
// github.com/tailscale/hujson) under the programmatic overrides in
// cliOverrides. Programmatic values always win over the file, mirroring
// the teacher's "CLI overrides win" precedence (internal/ticket/config.go's
// LoadConfig).
//
// A missing config file is not an error; it simply means no overrides are
// applied. An on-disk metadata dir name is needed to know where to look for
// the file in the first place, so this reads from the default metadata dir
// name (".tx") regardless of what cliOverrides.MetadataDirName later
// requests — a config file can't relocate itself.
func LoadManagerConfig(baseDir string, cliOverrides ManagerConfig) (ManagerConfig, error) {
	cfg := ManagerConfig{BaseDirectory: baseDir}

	fileCfg, path, err := loadOnDiskConfig(baseDir)
	if err != nil {
		return ManagerConfig{}, err
	}

	if path != "" {
		if fileCfg.MetadataDirName != "" {
			cfg.MetadataDirName = fileCfg.MetadataDirName
		}

		if fileCfg.LockTimeoutMs != 0 {
			cfg.LockTimeoutMs = fileCfg.LockTimeoutMs
		}
	}

	if cliOverrides.MetadataDirName != "" {
		cfg.MetadataDirName = cliOverrides.MetadataDirName
	}

	if cliOverrides.LockTimeoutMs != 0 {
		cfg.LockTimeoutMs = cliOverrides.LockTimeoutMs
	}

	if cliOverrides.Logger != nil {
		cfg.Logger = cliOverrides.Logger
	}

	return cfg.withDefaults(), nil
}

func loadOnDiskConfig(baseDir string) (onDiskManagerConfig, string, error) {
	path := filepath.Join(baseDir, defaultMetadataDirName, "config.hujson")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return onDiskManagerConfig{}, "", nil
		}

		return onDiskManagerConfig{}, "", fmt.Errorf("txfs: read config %q: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return onDiskManagerConfig{}, "", fmt.Errorf("txfs: parse config %q: invalid JSONC: %w", path, err)
	}

	var cfg onDiskManagerConfig

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return onDiskManagerConfig{}, "", fmt.Errorf("txfs: parse config %q: %w", path, err)
	}

	return cfg, path, nil
}
