package domain

import "errors"

var (
	ErrInvalidDefinition = errors.New("invalid sequence definition")
	ErrInvalidDelayUnit  = errors.New("invalid delay unit")
	// ErrAlreadyClaimed is a benign race: another worker owns the task. Skip, don't retry.
	ErrAlreadyClaimed   = errors.New("task already claimed")
	ErrDeliveryFailure  = errors.New("delivery failed")
	ErrNotFound         = errors.New("not found")
	ErrStoreUnavailable = errors.New("task store unavailable")
	ErrSequenceExists   = errors.New("session already has a sequence")
	ErrUnknownSequence  = errors.New("unknown sequence")
	ErrInvalidContext   = errors.New("invalid template context")
)
