package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	originalEnv := os.Getenv("TILELINK_CONFIG")
	defer os.Setenv("TILELINK_CONFIG", originalEnv)

	os.Setenv("TILELINK_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

// TestGetConfigPath_Default verifies the default config path.
func TestGetConfigPath_Default(t *testing.T) {
	originalEnv := os.Getenv("TILELINK_CONFIG")
	defer os.Setenv("TILELINK_CONFIG", originalEnv)

	os.Unsetenv("TILELINK_CONFIG")

	if path := getConfigPath(); path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}
}

// TestGetConfigPath_EnvOverride verifies the environment variable override.
func TestGetConfigPath_EnvOverride(t *testing.T) {
	originalEnv := os.Getenv("TILELINK_CONFIG")
	defer os.Setenv("TILELINK_CONFIG", originalEnv)

	expected := "/custom/path/config.yaml"
	os.Setenv("TILELINK_CONFIG", expected)

	if path := getConfigPath(); path != expected {
		t.Errorf("getConfigPath() = %q, want %q", path, expected)
	}
}

// TestRun_LoopbackOnlyStartupAndShutdown runs the daemon with only the
// loopback transport: no broker, no agents, no external dependencies.
func TestRun_LoopbackOnlyStartupAndShutdown(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test-config.yaml")

	configContent := `
mqtt:
  enabled: false

loopback:
  enabled: true
  tiles:
    - uuid: "0b7f3c1e-8d2a-4f5b-9c6d-1e2f3a4b5c6d"
      name: "bench tile"
      signal_strength: 80

logging:
  level: error
  format: text
  output: stdout

api:
  host: "127.0.0.1"
  port: 18094
  timeouts:
    read: 30
    write: 60
    idle: 120
`
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	originalEnv := os.Getenv("TILELINK_CONFIG")
	defer os.Setenv("TILELINK_CONFIG", originalEnv)
	os.Setenv("TILELINK_CONFIG", configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := run(ctx); err != nil {
		t.Fatalf("run() returned error: %v", err)
	}
}

// TestRun_ContextCancelledDuringStartup verifies cancellation while the
// MQTT connection is still being attempted.
func TestRun_ContextCancelledDuringStartup(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test-config.yaml")

	configContent := `
mqtt:
  enabled: true
  broker:
    host: "127.0.0.1"
    port: 19999
    client_id: "test-client"
    tls: false
  qos: 1
  reconnect:
    initial_delay: 1
    max_delay: 5

logging:
  level: error
  format: text
  output: stdout

api:
  host: "127.0.0.1"
  port: 18094
  timeouts:
    read: 30
    write: 60
    idle: 120
`
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	originalEnv := os.Getenv("TILELINK_CONFIG")
	defer os.Setenv("TILELINK_CONFIG", originalEnv)
	os.Setenv("TILELINK_CONFIG", configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	err := run(ctx)

	if err == nil {
		t.Log("run() completed without error (may have cancelled cleanly)")
	} else {
		t.Logf("run() returned error (expected): %v", err)
	}
}
