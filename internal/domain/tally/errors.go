package tally

import (
	"errors"
	"fmt"
	"strings"

	"github.com/okian/liquid/internal/domain/model"
)

var ErrNoChoices = errors.New("decision has no choices")

// UnresolvedTieError is raised when the tie-break ladder is exhausted. It
// is a terminal outcome handed to a human, not a failure.
type UnresolvedTieError struct {
	DecisionID model.DecisionID
	Choices    []model.ChoiceID
	Audit      []string
}

func (e *UnresolvedTieError) Error() string {
	names := make([]string, len(e.Choices))
	for i, c := range e.Choices {
		names[i] = string(c)
	}
	return fmt.Sprintf("%s: decision %s tied between %s", model.ErrUnresolvedTie, e.DecisionID, strings.Join(names, ", "))
}

// Is matches model.ErrUnresolvedTie.
func (e *UnresolvedTieError) Is(target error) bool { return target == model.ErrUnresolvedTie }
