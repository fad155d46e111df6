package repository

import "time"

// DirectoryOption applies a configuration option to the MemoryDirectory.
type DirectoryOption func(*MemoryDirectory)

// WithClock sets the time source stamped on captures and ballots.
func WithClock(now func() time.Time) DirectoryOption {
	return func(d *MemoryDirectory) {
		if now != nil {
			d.now = now
		}
	}
}
