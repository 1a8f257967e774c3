package guardian

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/twinsync/internal/drift"
)

// HealthState is the overall verdict of a health check.
type HealthState string

const (
	HealthInSync  HealthState = "in_sync"
	HealthDrifted HealthState = "drifted"
	HealthSyncing HealthState = "syncing"
	HealthError   HealthState = "error"
	HealthUnknown HealthState = "unknown"
)

// Health is computed on demand from a fresh drift report and the component counters.
type Health struct {
	Status              HealthState `json:"status"`
	CheckedAt           time.Time   `json:"checked_at"`
	Monitoring          bool        `json:"monitoring"`
	Collections         []string    `json:"collections"`
	DriftPct            float64     `json:"drift_pct"`
	DriftSummary        string      `json:"drift_summary"`
	UnresolvedConflicts int         `json:"unresolved_conflicts"`
	ManualQueue         int         `json:"manual_queue"`
	ErrorsInWindow      int         `json:"errors_in_window"`
	ErrorThreshold      int         `json:"error_threshold"`
	WindowSeconds       int64       `json:"window_seconds"`
	LocalReachable      bool        `json:"local_reachable"`
	RemoteReachable     bool        `json:"remote_reachable"`
	LastCycleDurationMs int64       `json:"last_cycle_duration_ms"`
	PendingChanges      int         `json:"pending_changes"`
	FailedOperations    int         `json:"failed_operations"`
}

// CheckHealth computes a health verdict. It never waits for a running cycle.
func (g *Guardian) CheckHealth(ctx context.Context) Health {
	status := g.Status()
	health := Health{
		CheckedAt:           g.clock().UTC(),
		Monitoring:          status.Monitoring,
		Collections:         status.Collections,
		UnresolvedConflicts: status.UnresolvedConflicts,
		ManualQueue:         status.ManualQueue,
		ErrorsInWindow:      g.audit.ErrorCount(g.healthWindow),
		ErrorThreshold:      g.healthErrorThreshold,
		WindowSeconds:       int64(g.healthWindow / time.Second),
		LastCycleDurationMs: status.LastCycleDurationMs,
		PendingChanges:      status.PendingChanges,
		FailedOperations:    status.FailedOperations,
	}

	complete := false
	if len(status.Collections) > 0 {
		report, err := g.drift.Calculate(ctx, status.Collections)
		if err != nil {
			g.logError(opCheckHealth, "drift_failed", err)
		} else {
			complete = report.Complete()
			health.DriftPct = report.OverallDriftPct
			health.DriftSummary = report.Summary
			health.LocalReachable = report.LocalReachable
			health.RemoteReachable = report.RemoteReachable
		}
	}
	health.Status = verdict(health, complete)
	return health
}

func verdict(health Health, driftComplete bool) HealthState {
	switch {
	case health.ErrorsInWindow > health.ErrorThreshold:
		return HealthError
	case !driftComplete:
		return HealthUnknown
	case health.DriftPct >= drift.SignificantThreshold:
		return HealthDrifted
	case health.Monitoring:
		return HealthSyncing
	case health.DriftPct == 0:
		return HealthInSync
	default:
		return HealthDrifted
	}
}

// DriftReport computes a fresh drift report. Empty collections select the tracked ones.
func (g *Guardian) DriftReport(ctx context.Context, collections []string) (drift.Report, error) {
	names := collections
	if len(names) == 0 {
		names = g.collections()
	}
	if len(names) == 0 {
		return drift.Report{}, newServiceError(opDriftReport, reasonNoTargets, ErrNoCollections)
	}
	report, err := g.drift.Calculate(ctx, names)
	if err != nil {
		return drift.Report{}, newServiceError(opDriftReport, "invalid_collection", err)
	}
	return report, nil
}
