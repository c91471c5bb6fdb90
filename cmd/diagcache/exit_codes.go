package main

import (
	"errors"

	"github.com/gophersatwork/diagcache"
)

// Exit codes for the diagcache CLI.
const (
	ExitSuccess = 0 // Build finished, possibly with diagram warnings
	ExitGeneral = 1 // General/unexpected error
	ExitConfig  = 2 // Invalid flags, arguments or configuration
)

// usageError marks errors caused by how the command was invoked.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

// exitCodeFor returns the exit code for an error returned by a command.
func exitCodeFor(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var cfgErr *diagcache.ConfigurationError
	var useErr *usageError
	if errors.As(err, &cfgErr) || errors.As(err, &useErr) {
		return ExitConfig
	}

	return ExitGeneral
}
