package loadtest

import "time"

// HTTP status code constants.
const (
	StatusOK              = 200
	StatusAccepted        = 202
	StatusTooManyRequests = 429
)

// Worker configuration constants.
const (
	WorkerChannelMultiplier = 2
)

// Runner configuration constants.
const (
	DefaultSettle        = 30 * time.Second
	PollInterval         = 100 * time.Millisecond
	PercentageMultiplier = 100
)

// Submission outcomes.
const (
	outcomeAccepted  = "accepted"
	outcomeCoalesced = "coalesced"
	outcomeRejected  = "rejected"
	outcomeFailed    = "failed"
)
