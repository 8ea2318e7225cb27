package apperr

import (
	"errors"
	"fmt"
)

// ValidationError reports an inbound payload that fits none of the supported
// webhook envelope shapes. Ingestion for the request halts entirely.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

// NotFoundError reports a missing conversation, message, or account.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// EmbeddingError wraps a failed embedding provider call. Callers recover it
// as "no context available", never as a fatal error.
type EmbeddingError struct {
	Err error
}

func (e *EmbeddingError) Error() string {
	return "embedding failed: " + e.Err.Error()
}

func (e *EmbeddingError) Unwrap() error {
	return e.Err
}

// GenerationError wraps a failed completion call. The ingestion pipeline is
// the recovery boundary; the reply generator propagates it as-is.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return "generation failed: " + e.Err.Error()
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsNotFound(err error) bool {
	var nfe *NotFoundError
	return errors.As(err, &nfe)
}

func IsEmbedding(err error) bool {
	var ee *EmbeddingError
	return errors.As(err, &ee)
}

func IsGeneration(err error) bool {
	var ge *GenerationError
	return errors.As(err, &ge)
}
