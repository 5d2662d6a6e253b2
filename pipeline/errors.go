// Package pipeline defines the embedding job schema and the error
// taxonomy shared by the ingest, worker, and bootstrap stages.
package pipeline

import (
	"github.com/pkg/errors"

	"github.com/nasa/earthdata-mcp/ai"
	"github.com/nasa/earthdata-mcp/store"
)

// permanentError marks a failure that will not succeed on redelivery.
// Permanent failures are dead-lettered immediately with the original job
// payload preserved; transient ones are left to the at-least-once
// delivery layer to retry.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// Permanent wraps err as a non-retryable failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Permanentf creates a non-retryable failure from a format string.
func Permanentf(format string, args ...any) error {
	return &permanentError{err: errors.Errorf(format, args...)}
}

// IsPermanent reports whether err should be dead-lettered instead of
// retried. Dimension mismatches and non-retryable provider responses are
// permanent regardless of wrapping.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var pe *permanentError
	if errors.As(err, &pe) {
		return true
	}
	if errors.Is(err, store.ErrDimensionMismatch) {
		return true
	}
	var provErr *ai.ProviderError
	if errors.As(err, &provErr) {
		return !provErr.Retryable
	}
	return false
}
