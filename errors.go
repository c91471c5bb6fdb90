package diagcache

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors
var (
	// ErrUnknownInput is returned when a dependency ID was never registered
	// in the InputSet.
	ErrUnknownInput = errors.New("unknown input")

	// ErrCorruptEntry is returned when a stored artifact fails its integrity check.
	ErrCorruptEntry = errors.New("corrupt cache entry")

	// ErrRenderTimeout is wrapped by RenderError when a render exceeds its deadline.
	ErrRenderTimeout = errors.New("render timed out")
)

// HashingError reports input that could not be turned into a fingerprint.
// It is fatal to a single build unit, never to a whole plan.
type HashingError struct {
	Input string
	Err   error
}

func (e *HashingError) Error() string {
	if e.Input == "" {
		return fmt.Sprintf("hashing failed: %v", e.Err)
	}
	return fmt.Sprintf("hashing %s: %v", e.Input, e.Err)
}

func (e *HashingError) Unwrap() error { return e.Err }

// StorageError reports a cache store or graph store read/write failure.
// Callers degrade to "miss" on reads and "don't persist" on writes.
type StorageError struct {
	Op   string // get, put, evict, load, save...
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// RenderError reports a failed or timed out render of one build unit.
type RenderError struct {
	OutputID string
	Err      error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s: %v", e.OutputID, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// ConfigurationError reports an invalid cache setup. Unlike every other
// error in this package it is meant to stop the program.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid configuration: %v", e.Err)
	}
	return fmt.Sprintf("invalid configuration %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ValidationError represents one or more validation errors that occurred
// while checking a build request or a configuration.
type ValidationError struct {
	Errors []error
}

// Error implements the error interface.
func (ve *ValidationError) Error() string {
	if len(ve.Errors) == 0 {
		return "validation failed"
	}
	if len(ve.Errors) == 1 {
		return fmt.Sprintf("validation failed: %v", ve.Errors[0])
	}

	var buf strings.Builder
	fmt.Fprintf(&buf, "validation failed with %d errors:\n", len(ve.Errors))
	for i, err := range ve.Errors {
		fmt.Fprintf(&buf, "  %d. %v\n", i+1, err)
	}
	return buf.String()
}

// Unwrap returns the underlying errors for use with errors.Is and errors.As.
func (ve *ValidationError) Unwrap() []error {
	return ve.Errors
}

// NewValidationError creates a ValidationError from a slice of errors.
// Returns nil if the slice is empty.
func NewValidationError(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return &ValidationError{Errors: errs}
}
