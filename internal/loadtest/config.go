// Package loadtest drives a running liquid server over HTTP: it submits a
// burst of change notifications concurrently, then waits for every touched
// decision to publish a final result and checks each one.
package loadtest

import "time"

// Config holds configuration for a load test.
type Config struct {
	BaseURL     string        // Base URL of the service
	CommunityID string        // Community whose decisions are exercised
	Decisions   []string      // Decision ids targeted by vote changes
	NumEvents   int           // Number of changes to submit
	Workers     int           // Number of concurrent submitters
	Timeout     time.Duration // HTTP request timeout
	Settle      time.Duration // How long to wait for final results
	Seed        uint64        // Seed for the change mix; equal seeds repeat a run
	OutputFile  string        // Optional JSON dump of the submitted changes
}

// Event is one change notification as POSTed to /events.
type Event struct {
	Kind        string `json:"kind"`
	CommunityID string `json:"community_id,omitempty"`
	DecisionID  string `json:"decision_id,omitempty"`
}

// Result is the part of /results/{id} the verifier inspects.
type Result struct {
	Record struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Final  bool   `json:"final"`
	} `json:"record"`
	Result struct {
		Ballots int      `json:"ballots"`
		Winner  string   `json:"winner"`
		Tied    []string `json:"tied"`
	} `json:"result"`
}

// Stats holds load test statistics.
type Stats struct {
	EventsGenerated int
	EventsSubmitted int
	Accepted        int
	Coalesced       int
	Rejected        int
	Failed          int
	Results         map[string]Result
	StartTime       time.Time
	EndTime         time.Time
	Duration        time.Duration
}
