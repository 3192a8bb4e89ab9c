package worker

import (
	"errors"
	"fmt"
)

// Failure classes of a job run. Stage errors wrap one of these together with
// the underlying cause, so errors.Is matches either.
var (
	ErrResolution  = errors.New("resolution error")
	ErrIO          = errors.New("io error")
	ErrParse       = errors.New("parse error")
	ErrCallback    = errors.New("callback error")
	ErrPersistence = errors.New("persistence error")
	ErrStore       = errors.New("store error")
)

var stages = []struct {
	err   error
	label string
}{
	{ErrResolution, "resolution"},
	{ErrIO, "io"},
	{ErrParse, "parse"},
	{ErrCallback, "callback"},
	{ErrPersistence, "persistence"},
	{ErrStore, "store"},
}

func stageError(class error, format string, args ...any) error {
	return fmt.Errorf("%w: %w", class, fmt.Errorf(format, args...))
}

// Stage returns the failure class label of err, or "unknown".
func Stage(err error) string {
	if err == nil {
		return ""
	}
	for _, s := range stages {
		if errors.Is(err, s.err) {
			return s.label
		}
	}
	return "unknown"
}
