package fixed

import "errors"

var (
	ErrInvalidRange = errors.New("invalid score range")
	ErrInvalidScore = errors.New("invalid score")
)
