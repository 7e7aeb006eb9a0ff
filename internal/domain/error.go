package domain

import "errors"

var (
	// Synchronous submission errors
	ErrValidation       = errors.New("validation error")
	ErrSessionNotActive = errors.New("session is not accepting messages")
	ErrConcurrentJob    = errors.New("session already has an active job")
	ErrRateLimited      = errors.New("too many submissions")

	// Lookup errors
	ErrNotFound = errors.New("entity not found")

	// Job store conditional-write outcomes
	ErrJobNotClaimable      = errors.New("job is not pending")
	ErrLeaseLost            = errors.New("job lease lost")
	ErrCheckpointRegression = errors.New("checkpoint would shrink accumulated output")
	ErrInvalidTransition    = errors.New("invalid job status transition")

	// Execution errors
	ErrProvider           = errors.New("llm provider error")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrInvalidExecContext = errors.New("invalid database execution context")
)
