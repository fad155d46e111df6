package loadtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/okian/liquid/pkg/logger"
)

// ErrVerification is returned when a decision has no valid final result.
var ErrVerification = errors.New("result verification failed")

// awaitResults polls /results/{id} for every decision until each has a
// final record or the settle window closes.
func awaitResults(ctx context.Context, config *Config, stats *Stats) error {
	client := newHTTPClient(config.Timeout)
	deadline := time.Now().Add(config.Settle)
	pending := make(map[string]bool, len(config.Decisions))
	for _, id := range config.Decisions {
		pending[id] = true
	}
	stats.Results = make(map[string]Result, len(pending))

	for len(pending) > 0 {
		for id := range pending {
			res, ok, err := fetchResult(ctx, client, config.BaseURL, id)
			if err != nil {
				return err
			}
			if ok && res.Record.Final {
				stats.Results[id] = res
				delete(pending, id)
			}
		}
		if len(pending) == 0 {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: no final result for %s after %s", ErrVerification, joinSorted(pending), config.Settle)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(PollInterval):
		}
	}
	return nil
}

// fetchResult reads one decision's final result. ok is false while the
// decision has none yet.
func fetchResult(ctx context.Context, client *HTTPClient, baseURL, id string) (Result, bool, error) {
	resp, err := client.Get(ctx, baseURL+"/results/"+id)
	if err != nil {
		return Result{}, false, fmt.Errorf("fetch result of %s: %w", id, err)
	}
	body, err := readResponseBody(resp)
	if err != nil {
		return Result{}, false, fmt.Errorf("read result of %s: %w", id, err)
	}
	if resp.StatusCode != StatusOK {
		return Result{}, false, nil
	}
	var res Result
	if err := json.Unmarshal(body, &res); err != nil {
		return Result{}, false, fmt.Errorf("decode result of %s: %w", id, err)
	}
	return res, true, nil
}

// verifyResults checks that every final result names exactly one of a
// winner or a tie.
func verifyResults(ctx context.Context, stats *Stats) error {
	var bad []string
	for id, res := range stats.Results {
		hasWinner := res.Result.Winner != ""
		hasTie := len(res.Result.Tied) > 0
		if hasWinner == hasTie || res.Record.Status != "completed" {
			bad = append(bad, id)
			continue
		}
		logger.Get().Debug(ctx, "decision verified",
			logger.String("decisionID", id),
			logger.String("winner", res.Result.Winner),
			logger.Strings("tied", res.Result.Tied),
			logger.Int("ballots", res.Result.Ballots))
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return fmt.Errorf("%w: inconsistent results for %s", ErrVerification, strings.Join(bad, ", "))
	}
	return nil
}

func joinSorted(set map[string]bool) string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return strings.Join(ids, ", ")
}
