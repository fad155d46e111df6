package delegation

import (
	"errors"
	"fmt"

	"github.com/okian/liquid/internal/domain/model"
)

var (
	ErrUnknownDecision = errors.New("decision not in snapshot")
	ErrUnknownMember   = errors.New("member not in snapshot")
	ErrScoreOutOfRange = errors.New("score out of range")
	ErrTooComplex      = errors.New("delegation graph exceeds step limit")
	ErrMemberPanic     = errors.New("panic while resolving member")
)

// MemberFailure is an isolated per-member resolution failure. It never aborts
// the pass; the member is skipped and followers inherit nothing from it.
type MemberFailure struct {
	MemberID model.MemberID `json:"member_id"`
	Err      error          `json:"-"`
	Message  string         `json:"message"`
	Stack    string         `json:"stack,omitempty"`
}

func (f MemberFailure) Error() string {
	return fmt.Sprintf("member %s: %v", f.MemberID, f.Err)
}

func (f MemberFailure) Unwrap() error { return f.Err }
