package service

import (
	"context"
	"strings"

	"github.com/okian/liquid/internal/domain/model"
	"github.com/okian/liquid/pkg/logger"
)

// TieEvent is the unresolved-tie signal handed to the manual resolution workflow.
type TieEvent struct {
	RecordID    string            `json:"record_id"`
	DecisionID  model.DecisionID  `json:"decision_id"`
	CommunityID model.CommunityID `json:"community_id"`
	Choices     []model.ChoiceID  `json:"choices"`
	Audit       []string          `json:"audit"`
}

// TieNotifier receives unresolved ties after their record completed.
type TieNotifier interface {
	NotifyTie(ctx context.Context, ev TieEvent) error
}

// TieNotifierFunc adapts a function to TieNotifier.
type TieNotifierFunc func(ctx context.Context, ev TieEvent) error

// NotifyTie calls f.
func (f TieNotifierFunc) NotifyTie(ctx context.Context, ev TieEvent) error { return f(ctx, ev) }

// LogTieNotifier logs ties at warn level.
func LogTieNotifier(l logger.Logger) TieNotifier {
	return TieNotifierFunc(func(ctx context.Context, ev TieEvent) error {
		ids := make([]string, len(ev.Choices))
		for i, c := range ev.Choices {
			ids[i] = string(c)
		}
		l.Warn(ctx, "unresolved tie needs manual resolution",
			logger.String("recordID", ev.RecordID),
			logger.String("decisionID", string(ev.DecisionID)),
			logger.String("choices", strings.Join(ids, ",")),
			logger.Int("auditLines", len(ev.Audit)))
		return nil
	})
}
