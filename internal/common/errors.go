package common

import "errors"

// Error taxonomy shared across the core. Handlers translate these into
// HTTP statuses and app codes; internal layers wrap them with %w so that
// errors.Is keeps working through the stack.
var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrSessionNotFound = errors.New("session not found")
	ErrAnonQueryLimit  = errors.New("anonymous query limit reached")
	ErrExternalService = errors.New("external service error")
	ErrInternal        = errors.New("internal error")
)
