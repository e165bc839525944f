package adapter

import (
	"errors"
	"testing"
	"time"
)

func TestConfigStoreSetGet(t *testing.T) {
	cfg := NewConfigStore()
	cfg.Set("max_connections", 3)

	val, err := cfg.Get("max_connections")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if val.(int) != 3 {
		t.Errorf("Get = %v, want 3", val)
	}
}

func TestConfigStoreGetMissingKey(t *testing.T) {
	cfg := NewConfigStore()

	_, err := cfg.Get("nonexistent")
	if !errors.Is(err, ErrConfigNotFound) {
		t.Errorf("Get on missing key = %v, want ErrConfigNotFound", err)
	}
}

func TestConfigStoreGetDefault(t *testing.T) {
	cfg := NewConfigStore()
	cfg.Set("present", "value")

	if got := cfg.GetDefault("present", "fallback"); got != "value" {
		t.Errorf("GetDefault(present) = %v, want value", got)
	}
	if got := cfg.GetDefault("absent", "fallback"); got != "fallback" {
		t.Errorf("GetDefault(absent) = %v, want fallback", got)
	}
}

func TestConfigStoreTypedAccessors(t *testing.T) {
	cfg := NewConfigStore()
	cfg.Set(ConfigProbeSupported, true)
	cfg.Set(ConfigMaxConnections, 8)
	cfg.Set(ConfigDefaultTimeout, 10*time.Second)
	cfg.Set("mistyped", "not a number")

	if !cfg.GetBool(ConfigProbeSupported, false) {
		t.Error("GetBool(probe_supported) = false, want true")
	}
	if got := cfg.GetInt(ConfigMaxConnections, 1); got != 8 {
		t.Errorf("GetInt(max_connections) = %d, want 8", got)
	}
	if got := cfg.GetDuration(ConfigDefaultTimeout, time.Second); got != 10*time.Second {
		t.Errorf("GetDuration(default_timeout) = %v, want 10s", got)
	}

	// Mistyped values fall back to the default rather than panicking.
	if got := cfg.GetInt("mistyped", 42); got != 42 {
		t.Errorf("GetInt(mistyped) = %d, want 42", got)
	}
}

func TestValidInterface(t *testing.T) {
	tests := []struct {
		iface Interface
		want  bool
	}{
		{InterfaceRPC, true},
		{InterfaceScript, true},
		{InterfaceStreaming, true},
		{InterfaceTracing, true},
		{InterfaceDebug, true},
		{Interface("gatt"), false},
		{Interface(""), false},
	}

	for _, tt := range tests {
		if got := ValidInterface(tt.iface); got != tt.want {
			t.Errorf("ValidInterface(%q) = %v, want %v", tt.iface, got, tt.want)
		}
	}
}
