// Package dhconfig loads dhctl's configuration: defaults applied when a
// command doesn't specify every segment parameter on the command line.
package dhconfig

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	natefinchatomic "github.com/natefinch/atomic"
	"github.com/tailscale/hujson"
)

// Config holds dhctl's configurable defaults.
type Config struct {
	// RuntimeDir is a directory setting that `dhctl config set` persists
	// and `dhctl config show` prints; dhctl does not resolve segment
	// names against it, so segment paths are used as given.
	RuntimeDir string `json:"runtime_dir,omitempty"` //nolint:tagliatelle // snake_case for config file

	// Policy, ConsumerSyncPolicy and ChecksumPolicy are the string names
	// used when `dhctl create` does not pass the matching flag
	// explicitly (see cmd/dhctl/main.go's parsePolicy et al.).
	Policy             string `json:"policy,omitempty"`
	ConsumerSyncPolicy string `json:"consumer_sync_policy,omitempty"` //nolint:tagliatelle
	ChecksumPolicy     string `json:"checksum_policy,omitempty"`      //nolint:tagliatelle

	RingBufferCapacity uint32 `json:"ring_buffer_capacity,omitempty"` //nolint:tagliatelle
	PhysicalPageSize   uint32 `json:"physical_page_size,omitempty"`   //nolint:tagliatelle
	LogicalUnitSize    uint32 `json:"logical_unit_size,omitempty"`    //nolint:tagliatelle
	FlexZoneSize       uint64 `json:"flex_zone_size,omitempty"`       //nolint:tagliatelle
}

// ConfigSources tracks which config files were loaded, for `dhctl config
// show` to report provenance.
type ConfigSources struct {
	Global  string
	Project string
}

// DefaultConfig returns dhctl's built-in defaults, applied before any
// config file or CLI flag.
func DefaultConfig() Config {
	return Config{
		RuntimeDir:         ".",
		Policy:             "ring_buffer",
		ConsumerSyncPolicy: "single_reader",
		ChecksumPolicy:     "enforced",
		RingBufferCapacity: 16,
		PhysicalPageSize:   4096,
		LogicalUnitSize:    4096,
	}
}

// ConfigFileName is the default project config file name.
const ConfigFileName = ".dhctl.json"

var (
	errConfigFileNotFound = errors.New("dhconfig: config file not found")
	errConfigFileRead     = errors.New("dhconfig: cannot read config file")
	errConfigInvalid      = errors.New("dhconfig: invalid config file")
	errRuntimeDirEmpty    = errors.New("dhconfig: runtime_dir cannot be empty")
)

// getGlobalConfigPath returns the path to the global user config file,
// honoring $XDG_CONFIG_HOME. It takes a caller-supplied env slice rather
// than reading os.Environ directly so tests can control it without
// mutating process state.
func getGlobalConfigPath(env []string) string {
	for _, e := range env {
		if after, ok := strings.CutPrefix(e, "XDG_CONFIG_HOME="); ok {
			return filepath.Join(after, "dhctl", "config.json")
		}
	}

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "dhctl", "config.json")
	}

	home, err := os.UserHomeDir()
	if err == nil {
		return filepath.Join(home, ".config", "dhctl", "config.json")
	}

	return ""
}

// Load loads configuration with the following precedence (highest wins):
//  1. Defaults
//  2. Global user config (~/.config/dhctl/config.json or
//     $XDG_CONFIG_HOME/dhctl/config.json)
//  3. Project config file at workDir/.dhctl.json, if present; when
//     configPath is non-empty, that file (which must exist) is loaded in
//     its place and workDir/.dhctl.json is not read
func Load(workDir, configPath string, env []string) (Config, ConfigSources, error) {
	cfg := DefaultConfig()

	var sources ConfigSources

	globalCfg, globalPath, err := loadGlobalConfig(env)
	if err != nil {
		return Config{}, ConfigSources{}, err
	}

	sources.Global = globalPath
	cfg = mergeConfig(cfg, globalCfg)

	projectCfg, projectPath, err := loadProjectConfig(workDir, configPath)
	if err != nil {
		return Config{}, ConfigSources{}, err
	}

	sources.Project = projectPath
	cfg = mergeConfig(cfg, projectCfg)

	if err := validateConfig(cfg); err != nil {
		return Config{}, ConfigSources{}, err
	}

	return cfg, sources, nil
}

func loadGlobalConfig(env []string) (Config, string, error) {
	path := getGlobalConfigPath(env)
	if path == "" {
		return Config{}, "", nil
	}

	cfg, explicitEmpty, loaded, err := loadConfigFile(path, false)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	if explicitEmpty["runtime_dir"] {
		return Config{}, "", fmt.Errorf("%w %s: %w", errConfigInvalid, path, errRuntimeDirEmpty)
	}

	return cfg, path, nil
}

func loadProjectConfig(workDir, configPath string) (Config, string, error) {
	var cfgFile string

	var mustExist bool

	if configPath != "" {
		cfgFile = configPath
		if !filepath.IsAbs(cfgFile) {
			cfgFile = filepath.Join(workDir, cfgFile)
		}

		mustExist = true

		if _, err := os.Stat(cfgFile); err != nil {
			return Config{}, "", fmt.Errorf("%w: %s", errConfigFileNotFound, configPath)
		}
	} else {
		cfgFile = filepath.Join(workDir, ConfigFileName)
		mustExist = false
	}

	cfg, explicitEmpty, loaded, err := loadConfigFile(cfgFile, mustExist)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	if explicitEmpty["runtime_dir"] {
		return Config{}, "", fmt.Errorf("%w %s: %w", errConfigInvalid, cfgFile, errRuntimeDirEmpty)
	}

	return cfg, cfgFile, nil
}

// loadConfigFile loads a JSONC config file. If mustExist is false, a
// missing file returns a zero Config rather than an error.
func loadConfigFile(path string, mustExist bool) (Config, map[string]bool, bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is intentionally user-controlled
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return Config{}, nil, false, nil
		}

		if mustExist {
			return Config{}, nil, false, fmt.Errorf("%w: %s", errConfigFileRead, path)
		}

		return Config{}, nil, false, nil
	}

	cfg, explicitEmpty, parseErr := parseConfig(data)
	if parseErr != nil {
		return Config{}, nil, false, fmt.Errorf("%w %s: %w", errConfigInvalid, path, parseErr)
	}

	return cfg, explicitEmpty, true, nil
}

func parseConfig(data []byte) (Config, map[string]bool, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, nil, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg Config

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, nil, fmt.Errorf("invalid JSON: %w", err)
	}

	var raw map[string]any

	_ = json.Unmarshal(standardized, &raw)

	explicitEmpty := make(map[string]bool)

	if val, exists := raw["runtime_dir"]; exists {
		if str, ok := val.(string); ok && str == "" {
			explicitEmpty["runtime_dir"] = true
		}
	}

	return cfg, explicitEmpty, nil
}

func mergeConfig(base, overlay Config) Config {
	if overlay.RuntimeDir != "" {
		base.RuntimeDir = overlay.RuntimeDir
	}

	if overlay.Policy != "" {
		base.Policy = overlay.Policy
	}

	if overlay.ConsumerSyncPolicy != "" {
		base.ConsumerSyncPolicy = overlay.ConsumerSyncPolicy
	}

	if overlay.ChecksumPolicy != "" {
		base.ChecksumPolicy = overlay.ChecksumPolicy
	}

	if overlay.RingBufferCapacity != 0 {
		base.RingBufferCapacity = overlay.RingBufferCapacity
	}

	if overlay.PhysicalPageSize != 0 {
		base.PhysicalPageSize = overlay.PhysicalPageSize
	}

	if overlay.LogicalUnitSize != 0 {
		base.LogicalUnitSize = overlay.LogicalUnitSize
	}

	if overlay.FlexZoneSize != 0 {
		base.FlexZoneSize = overlay.FlexZoneSize
	}

	return base
}

func validateConfig(cfg Config) error {
	if cfg.RuntimeDir == "" {
		return errRuntimeDirEmpty
	}

	return nil
}

// FormatConfig returns cfg as formatted JSON, for `dhctl config` to print.
func FormatConfig(cfg Config) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("dhconfig: format config: %w", err)
	}

	return string(data), nil
}

// Save writes cfg as the project config file at workDir/ConfigFileName,
// used by `dhctl config set`. The write is atomic (temp file + rename via
// natefinch/atomic.WriteFile) so a concurrent `dhctl config show` or crash
// mid-write never observes a half-written config file.
func Save(workDir string, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("dhconfig: marshal config: %w", err)
	}

	path := filepath.Join(workDir, ConfigFileName)

	if err := natefinchatomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("%w %s: %w", errConfigFileRead, path, err)
	}

	return nil
}
