package adapter

import (
	"fmt"
	"sync"
	"time"
)

// ConfigStore holds small per-adapter tunables such as default timeouts or
// connection limits. Values are set by the adapter at construction and may
// be adjusted by the device manager or tests afterwards.
//
// All methods are safe for concurrent use.
type ConfigStore struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewConfigStore creates an empty config store.
func NewConfigStore() *ConfigStore {
	return &ConfigStore{values: make(map[string]any)}
}

// Set stores a config value under name, replacing any previous value.
func (c *ConfigStore) Set(name string, value any) {
	c.mu.Lock()
	c.values[name] = value
	c.mu.Unlock()
}

// Get returns the value stored under name. A missing key is a programming
// error: use GetDefault when absence is an expected condition.
func (c *ConfigStore) Get(name string) (any, error) {
	c.mu.RLock()
	val, ok := c.values[name]
	c.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrConfigNotFound, name)
	}
	return val, nil
}

// GetDefault returns the value stored under name, or def when absent.
func (c *ConfigStore) GetDefault(name string, def any) any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if val, ok := c.values[name]; ok {
		return val
	}
	return def
}

// GetBool returns a boolean config value, or def when absent or mistyped.
func (c *ConfigStore) GetBool(name string, def bool) bool {
	if v, ok := c.GetDefault(name, def).(bool); ok {
		return v
	}
	return def
}

// GetInt returns an integer config value, or def when absent or mistyped.
func (c *ConfigStore) GetInt(name string, def int) int {
	if v, ok := c.GetDefault(name, def).(int); ok {
		return v
	}
	return def
}

// GetDuration returns a duration config value, or def when absent or
// mistyped.
func (c *ConfigStore) GetDuration(name string, def time.Duration) time.Duration {
	if v, ok := c.GetDefault(name, def).(time.Duration); ok {
		return v
	}
	return def
}
