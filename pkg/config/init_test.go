package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestInitConfig_Success(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmpDir)

	configPath, err := InitConfig(false)
	if err != nil {
		t.Fatalf("InitConfig failed: %v", err)
	}
	if want := filepath.Join(tmpDir, "velcro-streamer", "config.yaml"); configPath != want {
		t.Errorf("config path = %s, want %s", configPath, want)
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("Failed to read config file: %v", err)
	}

	contentStr := string(content)
	expectedSections := []string{
		"# Velcro Streamer Configuration File",
		"logging:",
		"scheduler:",
		"stack:",
		"metrics:",
		"watch:",
	}
	for _, section := range expectedSections {
		if !strings.Contains(contentStr, section) {
			t.Errorf("Config file missing section: %s", section)
		}
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		t.Fatalf("Generated config is not valid YAML: %v", err)
	}

	if !DefaultConfigExists() {
		t.Error("DefaultConfigExists() = false after InitConfig")
	}
}

func TestInitConfig_AlreadyExists(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if _, err := InitConfig(false); err != nil {
		t.Fatalf("first InitConfig failed: %v", err)
	}

	_, err := InitConfig(false)
	if err == nil {
		t.Fatal("expected error when config already exists")
	}
	if !strings.Contains(err.Error(), "already exists") {
		t.Errorf("unexpected error: %v", err)
	}

	if _, err := InitConfig(true); err != nil {
		t.Fatalf("forced InitConfig failed: %v", err)
	}
}

func TestInitConfigToPath_Loadable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom", "streamer.yaml")
	if err := InitConfigToPath(path, false); err != nil {
		t.Fatalf("InitConfigToPath failed: %v", err)
	}

	cfg, err := MustLoad(path)
	if err != nil {
		t.Fatalf("MustLoad failed: %v", err)
	}
	if len(cfg.Stack) != 3 {
		t.Fatalf("stack has %d stages, want 3", len(cfg.Stack))
	}
	if _, err := CreateStack(cfg, nil); err != nil {
		t.Fatalf("CreateStack on generated config: %v", err)
	}
}
