package loadtest

import (
	"context"
	"errors"
	"math/rand/v2"

	"github.com/okian/liquid/pkg/logger"
)

// Change mix, in percent. The remainder are membership changes.
const (
	votePercent   = 80
	followPercent = 10
)

// ErrNoTargets is returned when a config names neither decisions nor a community.
var ErrNoTargets = errors.New("no decisions or community to target")

// generateEvents builds NumEvents changes drawn from a seeded mix of votes
// on the configured decisions and community-wide follow and membership
// changes.
func generateEvents(ctx context.Context, config *Config, stats *Stats) ([]Event, error) {
	if len(config.Decisions) == 0 {
		return nil, ErrNoTargets
	}
	logger.Get().Info(ctx, "generating change events",
		logger.Int("numEvents", config.NumEvents),
		logger.Int("decisions", len(config.Decisions)))

	rng := rand.New(rand.NewPCG(config.Seed, config.Seed^0x9e3779b97f4a7c15))
	events := make([]Event, 0, config.NumEvents)
	for i := 0; i < config.NumEvents; i++ {
		roll := rng.IntN(PercentageMultiplier)
		switch {
		case roll < votePercent || config.CommunityID == "":
			events = append(events, Event{
				Kind:        "vote",
				CommunityID: config.CommunityID,
				DecisionID:  config.Decisions[rng.IntN(len(config.Decisions))],
			})
		case roll < votePercent+followPercent:
			events = append(events, Event{Kind: "follow", CommunityID: config.CommunityID})
		default:
			events = append(events, Event{Kind: "membership", CommunityID: config.CommunityID})
		}
	}

	stats.EventsGenerated = len(events)
	return events, nil
}
