package contract

import (
	"context"
	"errors"
)

var (
	ErrModelInvoke     = errors.New("model invoke failed")
	ErrMalformedOutput = errors.New("model output failed validation")
	ErrPromptMissing   = errors.New("required prompt is missing")
	ErrValidation      = errors.New("validation failed")

	ErrTimeout       = errors.New("agent deadline exceeded")
	ErrQuotaExceeded = errors.New("provider quota exhausted")
	ErrCacheCorrupt  = errors.New("analysis cache is corrupt")
	ErrWriteFailure  = errors.New("analysis cache write failed")
	ErrBatchFailed   = errors.New("analysis batch failed")

	ErrDuplicateAgent = errors.New("agent already registered")
)

// Classify maps an agent error onto the kind recorded in its Result.
// Quota exhaustion wins over everything else so callers never retry it.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrQuotaExceeded):
		return ErrorKindQuotaExceeded
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrorKindTimeout
	case errors.Is(err, ErrMalformedOutput):
		return ErrorKindMalformedOutput
	default:
		return ErrorKindFailed
	}
}
