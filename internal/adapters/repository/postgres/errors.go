package postgres

import "errors"

// ErrMissingDSN is returned by Connect when no DSN is configured.
var ErrMissingDSN = errors.New("postgres dsn is required")
