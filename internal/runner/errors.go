package runner

import (
	"errors"
	"fmt"
)

// ConfigError reports invalid or ambiguous Options. It is always returned
// before any resource has been acquired.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return "pgworker: invalid options: " + e.Msg }

// ConnectionError reports that the pool could not be created or a connection
// could not be borrowed from it.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string { return fmt.Sprintf("pgworker: %s: %v", e.Op, e.Err) }

func (e *ConnectionError) Unwrap() error { return e.Err }

// MigrationError reports that the schema could not be brought up to date.
type MigrationError struct {
	Err error
}

func (e *MigrationError) Error() string { return fmt.Sprintf("pgworker: migrate schema: %v", e.Err) }

func (e *MigrationError) Unwrap() error { return e.Err }

var (
	// ErrAlreadyStopped is returned by Runner.Stop after the first call.
	ErrAlreadyStopped = errors.New("pgworker: runner is already stopped")

	// ErrRunnerStopped is returned by Runner.AddJob once Stop has been called.
	ErrRunnerStopped = errors.New("pgworker: runner is stopped; no new jobs are accepted")
)
