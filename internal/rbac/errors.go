package rbac

import (
	"context"
	"errors"
)

// Fault taxonomy. None of these escape a Resolver decision; they classify the
// cause recorded in logs and metrics.
var (
	ErrConfiguration    = errors.New("rbac: role missing from catalog")
	ErrCacheUnavailable = errors.New("rbac: cache unavailable")
	ErrRoleLookup       = errors.New("rbac: role lookup failed")
	ErrTimeout          = errors.New("rbac: timeout")
)

// classify maps an operational error onto the fault taxonomy.
// Timeouts are reported separately but handled like cache faults.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, ErrConfiguration), errors.Is(err, ErrCacheUnavailable), errors.Is(err, ErrRoleLookup), errors.Is(err, ErrTimeout):
		return err
	default:
		return ErrRoleLookup
	}
}

func causeLabel(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrCacheUnavailable):
		return "cache_unavailable"
	case errors.Is(err, ErrRoleLookup):
		return "role_lookup"
	default:
		return "unknown"
	}
}
