package config

import "errors"

// Sentinel kinds for configuration failures. Validation errors wrap
// ErrInvalidConfig; ErrUnknownDriver narrows it to the storage_driver key.
var (
	ErrInvalidConfig = errors.New("invalid config")
	ErrLoadConfig    = errors.New("load config failed")
	ErrUnknownDriver = errors.New("unknown storage driver")
)
