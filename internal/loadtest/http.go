package loadtest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/liquid/pkg/logger"
)

// HTTPClient wraps http.Client with timeout
type HTTPClient struct {
	client *http.Client
}

// newHTTPClient creates a new HTTP client with timeout
func newHTTPClient(timeout time.Duration) *HTTPClient {
	return &HTTPClient{client: &http.Client{Timeout: timeout}}
}

// Get performs a GET request
func (c *HTTPClient) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return c.client.Do(req)
}

// Post performs a POST request with JSON body
func (c *HTTPClient) Post(ctx context.Context, url string, body interface{}) (*http.Response, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	return c.client.Do(req)
}

// readResponseBody reads and closes the response body
func readResponseBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// submitEvents submits events concurrently using worker pools
func submitEvents(ctx context.Context, config *Config, events []Event, stats *Stats) {
	log := logger.Get().Named("loadtest")
	log.Info(ctx, "submitting events", logger.Int("events", len(events)), logger.Int("workers", config.Workers))

	client := newHTTPClient(config.Timeout)
	url := config.BaseURL + "/events"

	var accepted, coalesced, rejected, failed, submitted atomic.Int64

	eventChan := make(chan Event, config.Workers*WorkerChannelMultiplier)
	var wg sync.WaitGroup

	for i := 0; i < config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for event := range eventChan {
				submitted.Add(1)
				switch submitSingleEvent(ctx, client, url, event) {
				case outcomeAccepted:
					accepted.Add(1)
				case outcomeCoalesced:
					coalesced.Add(1)
				case outcomeRejected:
					rejected.Add(1)
				default:
					failed.Add(1)
				}
			}
		}()
	}

	go func() {
		defer close(eventChan)
		for _, event := range events {
			select {
			case <-ctx.Done():
				return
			case eventChan <- event:
			}
		}
	}()

	wg.Wait()

	stats.EventsSubmitted = int(submitted.Load())
	stats.Accepted = int(accepted.Load())
	stats.Coalesced = int(coalesced.Load())
	stats.Rejected = int(rejected.Load())
	stats.Failed = int(failed.Load())

	log.Info(ctx, "event submission completed",
		logger.Int("accepted", stats.Accepted),
		logger.Int("coalesced", stats.Coalesced),
		logger.Int("rejected", stats.Rejected),
		logger.Int("failed", stats.Failed))
}

// submitSingleEvent submits a single event and classifies the response.
func submitSingleEvent(ctx context.Context, client *HTTPClient, url string, event Event) string {
	resp, err := client.Post(ctx, url, event)
	if err != nil {
		return outcomeFailed
	}
	if _, err := readResponseBody(resp); err != nil {
		return outcomeFailed
	}

	switch resp.StatusCode {
	case StatusAccepted:
		return outcomeAccepted
	case StatusOK:
		// Coalesced into a queued run, or no open decision was affected.
		return outcomeCoalesced
	case StatusTooManyRequests:
		return outcomeRejected
	default:
		return outcomeFailed
	}
}
