// Package recovery wraps store-mutating operations with bounded retry and keeps
// the operations that still failed for later replay.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/twinsync/internal/audit"
	"github.com/MarcoPoloResearchLab/twinsync/internal/ids"
	"github.com/MarcoPoloResearchLab/twinsync/internal/records"
	"github.com/MarcoPoloResearchLab/twinsync/internal/store"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	defaultMaxAttempts = 3
	defaultBaseBackoff = time.Second
	defaultCallTimeout = 30 * time.Second
	defaultMaxFailed   = 1000
)

var (
	// ErrRetryExhausted indicates that every attempt of an operation failed.
	ErrRetryExhausted = errors.New("recovery: retry exhausted")

	errMissingRun = errors.New("recovery: operation has no run function")
)

// Operation is a single store mutation.
type Operation struct {
	Name       string
	Collection string
	RecordID   string
	Source     store.Side
	Target     store.Side
	Run        func(ctx context.Context) error
}

// FailedOperation records an exhausted operation without its payload.
type FailedOperation struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Collection string     `json:"collection"`
	RecordID   string     `json:"record_id,omitempty"`
	Source     store.Side `json:"source"`
	Target     store.Side `json:"target"`
	Error      string     `json:"error"`
	Attempts   int        `json:"attempts"`
	Replays    int        `json:"replays"`
	At         time.Time  `json:"at"`
}

// Replayer re-executes a failed operation.
type Replayer func(ctx context.Context, operation FailedOperation) error

// Report summarizes a RetryFailed pass.
type Report struct {
	Retried   int `json:"retried"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Config tunes the retry policy.
type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	CallTimeout time.Duration
	MaxFailed   int
	Audit       *audit.Logger
	Clock       func() time.Time
	IDProvider  ids.Provider
	Logger      *zap.Logger
}

// Manager runs operations with retry and tracks the ones that failed.
type Manager struct {
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	callTimeout time.Duration
	maxFailed   int
	audit       *audit.Logger
	clock       func() time.Time
	idProvider  ids.Provider
	logger      *zap.Logger

	mu     sync.Mutex
	failed []FailedOperation
}

// NewManager constructs a Manager, filling unset fields with defaults.
func NewManager(cfg Config) *Manager {
	manager := &Manager{
		maxAttempts: cfg.MaxAttempts,
		baseBackoff: cfg.BaseBackoff,
		maxBackoff:  cfg.MaxBackoff,
		callTimeout: cfg.CallTimeout,
		maxFailed:   cfg.MaxFailed,
		audit:       cfg.Audit,
		clock:       cfg.Clock,
		idProvider:  cfg.IDProvider,
		logger:      cfg.Logger,
	}
	if manager.maxAttempts <= 0 {
		manager.maxAttempts = defaultMaxAttempts
	}
	if manager.baseBackoff <= 0 {
		manager.baseBackoff = defaultBaseBackoff
	}
	if manager.callTimeout <= 0 {
		manager.callTimeout = defaultCallTimeout
	}
	if manager.maxFailed <= 0 {
		manager.maxFailed = defaultMaxFailed
	}
	if manager.audit == nil {
		manager.audit = audit.NewLogger(audit.Config{})
	}
	if manager.clock == nil {
		manager.clock = time.Now
	}
	if manager.idProvider == nil {
		manager.idProvider = ids.NewUUIDProvider()
	}
	if manager.logger == nil {
		manager.logger = zap.NewNop()
	}
	return manager
}

// Retryable reports whether another attempt could succeed.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrInvalidRecord),
		errors.Is(err, records.ErrInvalidQuery),
		errors.Is(err, records.ErrInvalidCollection),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// WithRetry runs the operation until it succeeds, fails permanently, or the attempts
// run out. Each attempt is bounded by the call timeout and a timeout counts as a failure.
// Exhaustion queues a FailedOperation and returns an error wrapping ErrRetryExhausted.
func (m *Manager) WithRetry(ctx context.Context, operation Operation) (int, error) {
	if operation.Run == nil {
		return 0, errMissingRun
	}
	attempts := 0
	backoff := retry.WithMaxRetries(uint64(m.maxAttempts-1), retry.NewExponential(m.baseBackoff))
	if m.maxBackoff > 0 {
		backoff = retry.WithCappedDuration(m.maxBackoff, backoff)
	}

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
		defer cancel()
		runErr := operation.Run(attemptCtx)
		if runErr == nil {
			return nil
		}
		if ctx.Err() == nil && Retryable(runErr) {
			m.logger.Debug("operation attempt failed",
				zap.String("operation", operation.Name),
				zap.String("collection", operation.Collection),
				zap.String("record_id", operation.RecordID),
				zap.Int("attempt", attempts),
				zap.Error(runErr),
			)
			return retry.RetryableError(runErr)
		}
		return runErr
	})

	if err == nil {
		m.audit.Log(audit.Entry{
			Kind:       audit.KindOperation,
			Collection: operation.Collection,
			RecordID:   operation.RecordID,
			Source:     operation.Source.String(),
			Target:     operation.Target.String(),
			Status:     audit.StatusSuccess,
			Details:    map[string]any{"operation": operation.Name, "attempts": attempts},
		})
		return attempts, nil
	}
	if !Retryable(err) || ctx.Err() != nil {
		return attempts, err
	}

	failed := m.enqueue(operation, err, attempts)
	m.audit.Log(audit.Entry{
		Kind:       audit.KindOperation,
		Collection: operation.Collection,
		RecordID:   operation.RecordID,
		Source:     operation.Source.String(),
		Target:     operation.Target.String(),
		Status:     audit.StatusError,
		Details:    map[string]any{"operation": operation.Name, "attempts": attempts, "failed_operation_id": failed.ID},
		Err:        err,
	})
	m.logger.Error("operation retry exhausted",
		zap.String("operation", operation.Name),
		zap.String("reason", "retry_exhausted"),
		zap.String("collection", operation.Collection),
		zap.String("record_id", operation.RecordID),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
	return attempts, fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempts, err)
}

// Failed returns a copy of the failed-operation list, oldest first.
func (m *Manager) Failed() []FailedOperation {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := make([]FailedOperation, len(m.failed))
	copy(copied, m.failed)
	return copied
}

// RetryFailed drains the failed-operation list and replays each entry once.
// Entries that fail again are re-queued.
func (m *Manager) RetryFailed(ctx context.Context, replayer Replayer) Report {
	m.mu.Lock()
	pending := m.failed
	m.failed = nil
	m.mu.Unlock()

	report := Report{}
	var requeue []FailedOperation
	for index, operation := range pending {
		if ctx.Err() != nil {
			requeue = append(requeue, pending[index:]...)
			break
		}
		report.Retried++
		replayCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
		err := replayer(replayCtx, operation)
		cancel()
		if err == nil || errors.Is(err, store.ErrNotFound) {
			report.Succeeded++
			m.audit.Log(audit.Entry{
				Kind:       audit.KindRetryFailed,
				Collection: operation.Collection,
				RecordID:   operation.RecordID,
				Source:     operation.Source.String(),
				Target:     operation.Target.String(),
				Status:     audit.StatusSuccess,
				Details:    map[string]any{"operation": operation.Name, "failed_operation_id": operation.ID},
			})
			continue
		}
		report.Failed++
		operation.Error = err.Error()
		operation.Replays++
		operation.At = m.clock().UTC()
		requeue = append(requeue, operation)
		m.audit.Log(audit.Entry{
			Kind:       audit.KindRetryFailed,
			Collection: operation.Collection,
			RecordID:   operation.RecordID,
			Source:     operation.Source.String(),
			Target:     operation.Target.String(),
			Status:     audit.StatusRetryQueued,
			Details:    map[string]any{"operation": operation.Name, "failed_operation_id": operation.ID, "replays": operation.Replays},
			Err:        err,
		})
	}

	if len(requeue) > 0 {
		m.mu.Lock()
		m.failed = append(requeue, m.failed...)
		m.trimLocked()
		m.mu.Unlock()
	}
	return report
}

func (m *Manager) enqueue(operation Operation, err error, attempts int) FailedOperation {
	failed := FailedOperation{
		ID:         ids.MustNew(m.idProvider),
		Name:       operation.Name,
		Collection: operation.Collection,
		RecordID:   operation.RecordID,
		Source:     operation.Source,
		Target:     operation.Target,
		Error:      err.Error(),
		Attempts:   attempts,
		At:         m.clock().UTC(),
	}
	m.mu.Lock()
	m.failed = append(m.failed, failed)
	m.trimLocked()
	m.mu.Unlock()
	return failed
}

func (m *Manager) trimLocked() {
	if overflow := len(m.failed) - m.maxFailed; overflow > 0 {
		m.failed = append([]FailedOperation(nil), m.failed[overflow:]...)
	}
}
