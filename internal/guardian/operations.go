package guardian

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/twinsync/internal/audit"
	"github.com/MarcoPoloResearchLab/twinsync/internal/recovery"
	"github.com/MarcoPoloResearchLab/twinsync/internal/resolver"
	"github.com/MarcoPoloResearchLab/twinsync/internal/tracker"
	"go.uber.org/zap"
)

// ConflictView lists the open conflicts and the manual-review queue.
type ConflictView struct {
	Unresolved  []resolver.Conflict `json:"unresolved"`
	ManualQueue []resolver.Conflict `json:"manual_queue"`
}

// Conflicts returns the open conflicts and the manual queue.
func (g *Guardian) Conflicts() ConflictView {
	return ConflictView{
		Unresolved:  g.resolver.Unresolved(),
		ManualQueue: g.resolver.ManualQueue(),
	}
}

// ResolveConflict resolves a conflict with the named strategy, or the default when
// the name is empty. A resolved conflict retires the pending changes of its record.
// Resolution waits for a running cycle so its writes never interleave with detection.
func (g *Guardian) ResolveConflict(ctx context.Context, id, strategy string) (resolver.Conflict, error) {
	var chosen *resolver.Strategy
	if strategy != "" {
		parsed, err := resolver.ParseStrategy(strategy)
		if err != nil {
			return resolver.Conflict{}, newServiceError(opResolve, reasonStrategy, err)
		}
		chosen = &parsed
	}

	g.cycleMu.Lock()
	defer g.cycleMu.Unlock()

	conflict, err := g.resolver.Resolve(ctx, id, chosen)
	switch {
	case err == nil:
	case errors.Is(err, resolver.ErrConflictNotFound):
		return resolver.Conflict{}, newServiceError(opResolve, reasonNotFound, err)
	case errors.Is(err, resolver.ErrResolutionInProgress):
		return resolver.Conflict{}, newServiceError(opResolve, reasonInProgress, err)
	case errors.Is(err, resolver.ErrAlreadyResolved):
		return conflict, newServiceError(opResolve, reasonResolved, err)
	default:
		g.logError(opResolve, reasonFailed, err,
			zap.String("conflict_id", id),
			zap.String("collection", conflict.Collection),
			zap.String("record_id", conflict.RecordID),
		)
		return conflict, newServiceError(opResolve, reasonFailed, err)
	}
	if conflict.Resolved {
		g.settle(conflict)
	}
	return conflict, nil
}

// AuditLog returns up to limit of the newest events, optionally filtered by kind.
func (g *Guardian) AuditLog(limit int, kind string) []audit.Event {
	return g.audit.Recent(limit, audit.Kind(kind))
}

// AuditSummary aggregates the events of the trailing window.
func (g *Guardian) AuditSummary(window time.Duration) audit.Summary {
	return g.audit.Summary(window)
}

// PendingChanges returns the unprocessed changes.
func (g *Guardian) PendingChanges() []tracker.Change {
	return g.tracker.Pending()
}

// FailedOperations returns the operations whose retries were exhausted.
func (g *Guardian) FailedOperations() []recovery.FailedOperation {
	return g.recovery.Failed()
}

// RetryFailed replays every failed operation once by re-reading its source record.
func (g *Guardian) RetryFailed(ctx context.Context) recovery.Report {
	g.cycleMu.Lock()
	defer g.cycleMu.Unlock()

	report := g.recovery.RetryFailed(ctx, g.applier.replay)
	if report.Failed > 0 {
		g.logger.Warn("failed operations re-queued",
			zap.String("operation", opRetryFailed),
			zap.Int("retried", report.Retried),
			zap.Int("failed", report.Failed),
		)
	}
	return report
}
