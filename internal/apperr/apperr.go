// Package apperr defines the error taxonomy shared by every memory component.
// Callers classify failures with errors.Is against the sentinels below.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound marks a lookup of an id that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrValidation marks input that violates a range or shape rule.
	ErrValidation = errors.New("validation failed")
	// ErrStorage marks a failure of the relational store or the vector index.
	ErrStorage = errors.New("storage failure")
	// ErrEmbedding marks a failure of the embedding provider.
	ErrEmbedding = errors.New("embedding failure")
)

// NotFound reports that an entity of the given kind is missing.
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}

// Invalid reports a validation failure on a single field.
func Invalid(field, format string, args ...any) error {
	return fmt.Errorf("%s: %s: %w", field, fmt.Sprintf(format, args...), ErrValidation)
}

// Storage wraps a store or index error with the operation that failed.
// A nil err yields nil.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorage) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrValidation) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

// Embedding wraps a provider error.
func Embedding(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrEmbedding) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrEmbedding, err)
}

// Unit checks that v lies in [0,1].
func Unit(field string, v float64) error {
	return Range(field, v, 0, 1)
}

// Range checks that v lies in [lo,hi]. NaN is always rejected.
func Range(field string, v, lo, hi float64) error {
	if v != v || v < lo || v > hi {
		return Invalid(field, "%v outside [%v, %v]", v, lo, hi)
	}
	return nil
}

// Required checks that a string field is non-empty.
func Required(field, v string) error {
	if v == "" {
		return Invalid(field, "must not be empty")
	}
	return nil
}
