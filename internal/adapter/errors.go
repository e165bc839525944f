package adapter

import "errors"

// Programming errors surfaced synchronously on the calling goroutine.
// Operational failures never appear as errors; they travel in Result values.
var (
	// ErrConfigNotFound is returned when a config key is missing and the
	// caller supplied no default.
	ErrConfigNotFound = errors.New("adapter: config value not found and no default given")

	// ErrConfigType is returned when a config value does not have the type
	// the typed accessor expects.
	ErrConfigType = errors.New("adapter: config value has unexpected type")
)
