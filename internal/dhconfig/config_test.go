package dhconfig_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/datahub-ipc/datahub/internal/dhconfig"
)

func Test_Load_Returns_Defaults_When_No_Config_Files_Exist(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	cfg, sources, err := dhconfig.Load(dir, "", []string{"XDG_CONFIG_HOME=" + filepath.Join(dir, "nonexistent")})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg != dhconfig.DefaultConfig() {
		t.Fatalf("Load()=%+v, want defaults %+v", cfg, dhconfig.DefaultConfig())
	}

	if sources.Global != "" || sources.Project != "" {
		t.Fatalf("sources=%+v, want both empty", sources)
	}
}

func Test_Load_Project_Config_Overrides_Defaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	const doc = `{
		// a JSONC comment, since dhctl's config loader uses hujson
		"ring_buffer_capacity": 64,
		"checksum_policy": "manual",
	}`

	if err := os.WriteFile(filepath.Join(dir, dhconfig.ConfigFileName), []byte(doc), 0o644); err != nil {
		t.Fatalf("setup: write project config: %v", err)
	}

	cfg, sources, err := dhconfig.Load(dir, "", []string{"XDG_CONFIG_HOME=" + filepath.Join(dir, "nonexistent")})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.RingBufferCapacity != 64 {
		t.Fatalf("RingBufferCapacity=%d, want 64", cfg.RingBufferCapacity)
	}

	if cfg.ChecksumPolicy != "manual" {
		t.Fatalf("ChecksumPolicy=%q, want manual", cfg.ChecksumPolicy)
	}

	// Untouched fields keep their defaults.
	if cfg.Policy != dhconfig.DefaultConfig().Policy {
		t.Fatalf("Policy=%q, want default %q", cfg.Policy, dhconfig.DefaultConfig().Policy)
	}

	if sources.Project == "" {
		t.Fatalf("sources.Project empty, want the project config path")
	}
}

func Test_Load_Rejects_Explicit_Empty_RuntimeDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	const doc = `{"runtime_dir": ""}`

	if err := os.WriteFile(filepath.Join(dir, dhconfig.ConfigFileName), []byte(doc), 0o644); err != nil {
		t.Fatalf("setup: write project config: %v", err)
	}

	if _, _, err := dhconfig.Load(dir, "", []string{"XDG_CONFIG_HOME=" + filepath.Join(dir, "nonexistent")}); err == nil {
		t.Fatalf("Load() error = nil, want error for empty runtime_dir")
	}
}

func Test_Load_Explicit_ConfigPath_Must_Exist(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	if _, _, err := dhconfig.Load(dir, "missing.json", nil); err == nil {
		t.Fatalf("Load() error = nil, want error for missing explicit config path")
	}
}

func Test_Save_Then_Load_Roundtrips(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	want := dhconfig.DefaultConfig()
	want.RingBufferCapacity = 128
	want.Policy = "double_buffer"

	if err := dhconfig.Save(dir, want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, _, err := dhconfig.Load(dir, "", []string{"XDG_CONFIG_HOME=" + filepath.Join(dir, "nonexistent")})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got != want {
		t.Fatalf("Load() after Save()=%+v, want %+v", got, want)
	}
}

func Test_FormatConfig_Produces_Valid_JSON(t *testing.T) {
	t.Parallel()

	out, err := dhconfig.FormatConfig(dhconfig.DefaultConfig())
	if err != nil {
		t.Fatalf("FormatConfig() error = %v", err)
	}

	if out == "" {
		t.Fatalf("FormatConfig() returned empty string")
	}
}
