package dynamics

import "errors"

var (
	// ErrValidation marks malformed parameters, state or time step.
	ErrValidation = errors.New("validation error")
	// ErrInput marks a pressure vector that is missing layers or holds
	// negative or non-finite values.
	ErrInput = errors.New("input error")
)
