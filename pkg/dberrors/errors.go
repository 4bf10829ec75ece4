package dberrors

import (
	"errors"
	"fmt"

	"schemaver/pkg/types"
)

var (
	ErrNotFound            = errors.New("schemaver: not found")
	ErrClosed              = errors.New("schemaver: closed")
	ErrInvalidArgument     = errors.New("schemaver: invalid argument")
	ErrConfig              = errors.New("schemaver: configuration error")
	ErrNotApplied          = errors.New("schemaver: change set not applied")
	ErrMigrationInProgress = errors.New("schemaver: migration in progress")
	ErrRollbackRefused     = errors.New("schemaver: rollback refused")
	ErrTimeout             = errors.New("schemaver: timeout")
	ErrUnavailable         = errors.New("schemaver: unavailable")
	ErrNoSuchOrder         = errors.New("schemaver: table has no key order")
	ErrNoSuchTable         = errors.New("schemaver: no such table")
	ErrTableExists         = errors.New("schemaver: table already exists")
	ErrNoTransaction       = errors.New("schemaver: no active transaction")
)

// ConfigError is returned at load time for declarations that can never run.
type ConfigError struct {
	Reason string
}

func Configf(format string, args ...any) *ConfigError {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

func (e *ConfigError) Error() string {
	return ErrConfig.Error() + ": " + e.Reason
}

func (e *ConfigError) Unwrap() error {
	return ErrConfig
}

// ApplyFailedError stops a migrate run. The ledger still reflects the last
// successfully applied change set.
type ApplyFailedError struct {
	Sequence types.Sequence
	Cause    error
}

func (e *ApplyFailedError) Error() string {
	return fmt.Sprintf("schemaver: apply change set %d: %v", e.Sequence, e.Cause)
}

func (e *ApplyFailedError) Unwrap() error {
	return e.Cause
}
