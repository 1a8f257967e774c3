package guardian

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidDirection indicates an unknown sync direction.
	ErrInvalidDirection = errors.New("guardian: invalid direction")
	// ErrNoCollections indicates that no collection was given or tracked.
	ErrNoCollections = errors.New("guardian: no collections")
	// ErrInvalidInterval indicates a non-positive monitoring interval.
	ErrInvalidInterval = errors.New("guardian: interval must be positive")
	// ErrStopTimeout indicates that the loop did not exit within the stop timeout.
	ErrStopTimeout = errors.New("guardian: loop did not stop in time")
)

// ServiceError carries a dotted "operation.reason" code for the operator surface.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opNew            = "guardian.new"
	opStart          = "guardian.start"
	opStop           = "guardian.stop"
	opCycle          = "guardian.cycle"
	opSyncNow        = "guardian.sync_now"
	opFullSync       = "guardian.force_full_sync"
	opCheckHealth    = "guardian.check_health"
	opDriftReport    = "guardian.drift_report"
	opResolve        = "guardian.resolve_conflict"
	opConfigure      = "guardian.configure"
	opApply          = "guardian.apply"
	opRetryFailed    = "guardian.retry_failed"
	reasonDirection  = "invalid_direction"
	reasonNoTargets  = "no_collections"
	reasonTrack      = "track_failed"
	reasonStrategy   = "invalid_strategy"
	reasonInterval   = "invalid_interval"
	reasonNotFound   = "conflict_not_found"
	reasonInProgress = "resolution_in_progress"
	reasonResolved   = "already_resolved"
	reasonFailed     = "failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
