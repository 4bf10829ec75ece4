package dberrors

import "errors"

// codes names the sentinels on the wire. Order matters: the first match wins.
var codes = []struct {
	code string
	err  error
}{
	{"not_found", ErrNotFound},
	{"no_such_table", ErrNoSuchTable},
	{"table_exists", ErrTableExists},
	{"not_applied", ErrNotApplied},
	{"migration_in_progress", ErrMigrationInProgress},
	{"rollback_refused", ErrRollbackRefused},
	{"config", ErrConfig},
	{"invalid_argument", ErrInvalidArgument},
	{"timeout", ErrTimeout},
	{"unavailable", ErrUnavailable},
	{"closed", ErrClosed},
	{"no_such_order", ErrNoSuchOrder},
}

// ApplyFailedCode marks a stopped migrate run.
const ApplyFailedCode = "apply_failed"

// Code returns the wire code of err, "" when err matches no sentinel.
func Code(err error) string {
	var applyErr *ApplyFailedError
	if errors.As(err, &applyErr) {
		return ApplyFailedCode
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return ""
}

// FromCode is the inverse of Code for sentinels; nil for unknown codes.
func FromCode(code string) error {
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}
