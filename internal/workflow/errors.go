package workflow

import "errors"

// Guard failures. Operations wrap these with context; match with errors.Is.
var (
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrForbidden          = errors.New("forbidden")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrNotAnApprover      = errors.New("not an approver")
	ErrInvalidArgument    = errors.New("invalid argument")
)
