package guardian

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/twinsync/internal/audit"
	"github.com/MarcoPoloResearchLab/twinsync/internal/recovery"
	"github.com/MarcoPoloResearchLab/twinsync/internal/resolver"
	"github.com/MarcoPoloResearchLab/twinsync/internal/store"
	"github.com/MarcoPoloResearchLab/twinsync/internal/tracker"
	"go.uber.org/zap"
)

// CycleResult summarizes one detect, resolve and apply pass.
type CycleResult struct {
	Direction   Direction `json:"direction"`
	Collections []string  `json:"collections"`
	Detected    int       `json:"detected"`
	Conflicts   int       `json:"conflicts"`
	Resolved    int       `json:"resolved"`
	Applied     int       `json:"applied"`
	Held        int       `json:"held"`
	Failed      int       `json:"failed"`
	DurationMs  int64     `json:"duration_ms"`
	Errors      []string  `json:"errors,omitempty"`
	// Baselined names collections sync_now started tracking; nothing was propagated for them.
	Baselined   []string  `json:"baselined,omitempty"`
}

// Cycle runs one bidirectional pass over every tracked collection.
func (g *Guardian) Cycle(ctx context.Context) (CycleResult, error) {
	g.cycleMu.Lock()
	defer g.cycleMu.Unlock()

	started := time.Now()
	collections := g.tracker.Tracked()
	detected, detectErr := g.tracker.Detect(ctx)
	result := g.process(ctx, detected, collections, DirectionBidirectional)
	result.DurationMs = time.Since(started).Milliseconds()
	if detectErr != nil {
		result.Errors = append([]string{detectErr.Error()}, result.Errors...)
	}
	g.noteCycle(time.Since(started), detectErr)

	status := audit.StatusSuccess
	switch {
	case detectErr != nil:
		status = audit.StatusError
	case result.Failed > 0:
		status = audit.StatusWarning
	}
	g.audit.Log(audit.Entry{
		Kind:    audit.KindCycle,
		Status:  status,
		Details: cycleDetails(result),
		Err:     detectErr,
	})
	return result, detectErr
}

// SyncNow detects and applies changes for the collections immediately, propagating
// only changes that originate on the direction's source side. Collections that are
// not tracked yet are baselined first; their existing differences are not changes.
func (g *Guardian) SyncNow(ctx context.Context, collections []string, rawDirection string) (CycleResult, error) {
	direction, err := ParseDirection(rawDirection)
	if err != nil {
		return CycleResult{}, newServiceError(opSyncNow, reasonDirection, err)
	}
	names := collections
	if len(names) == 0 {
		names = g.tracker.Tracked()
	}
	if len(names) == 0 {
		return CycleResult{}, newServiceError(opSyncNow, reasonNoTargets, ErrNoCollections)
	}

	g.cycleMu.Lock()
	defer g.cycleMu.Unlock()

	added, err := g.tracker.Include(ctx, names)
	if err != nil {
		g.logError(opSyncNow, reasonTrack, err, zap.Strings("collections", names))
		return CycleResult{}, newServiceError(opSyncNow, reasonTrack, err)
	}
	if len(added) > 0 {
		g.logger.Warn("sync_now baselined untracked collections",
			zap.String("operation", opSyncNow),
			zap.Strings("collections", added),
		)
		g.audit.Log(audit.Entry{Kind: audit.KindTrack, Status: audit.StatusWarning,
			Details: map[string]any{"collections": added, "reason": "baseline_only"}})
	}

	started := time.Now()
	detected, detectErr := g.tracker.DetectCollections(ctx, names)
	result := g.process(ctx, detected, names, direction)
	result.DurationMs = time.Since(started).Milliseconds()
	result.Baselined = added
	if detectErr != nil {
		result.Errors = append([]string{detectErr.Error()}, result.Errors...)
	}

	status := audit.StatusSuccess
	switch {
	case detectErr != nil:
		status = audit.StatusError
	case result.Failed > 0:
		status = audit.StatusWarning
	}
	g.audit.Log(audit.Entry{
		Kind:    audit.KindSyncNow,
		Source:  string(direction.Source()),
		Status:  status,
		Details: cycleDetails(result),
		Err:     detectErr,
	})
	return result, nil
}

// process resolves conflicts among the pending changes of the collections and
// applies the remaining changes permitted by the direction.
func (g *Guardian) process(ctx context.Context, detected []tracker.Change, collections []string, direction Direction) CycleResult {
	result := CycleResult{Direction: direction, Collections: collections, Detected: len(detected)}
	wanted := make(map[string]bool, len(collections))
	for _, collection := range collections {
		wanted[collection] = true
	}

	candidates := make([]tracker.Change, 0)
	for _, change := range g.tracker.Pending() {
		if wanted[change.Collection] && !change.Conflicted {
			candidates = append(candidates, change)
		}
	}

	conflicts := g.resolver.DetectConflicts(candidates)
	result.Conflicts = len(conflicts)
	for _, conflict := range conflicts {
		g.tracker.MarkConflicted(conflict.ChangeIDs)
		g.tracker.MarkRecordConflicted(conflict.Collection, conflict.RecordID)
	}
	for _, conflict := range g.resolvable(conflicts, wanted) {
		if ctx.Err() != nil {
			break
		}
		resolved, err := g.resolver.Resolve(ctx, conflict.ID, nil)
		if err != nil {
			if errors.Is(err, resolver.ErrResolutionInProgress) || errors.Is(err, resolver.ErrAlreadyResolved) {
				continue
			}
			result.Failed++
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		if resolved.Resolved {
			result.Resolved++
			g.settle(resolved)
		}
	}

	for _, change := range candidates {
		if ctx.Err() != nil {
			break
		}
		if change.Conflicted || !direction.includes(change.Side) {
			continue
		}
		if _, open := g.resolver.Amend(change); open {
			g.tracker.MarkConflicted([]string{change.ID})
			result.Held++
			continue
		}
		switch err := g.apply(ctx, change); {
		case err == nil:
			result.Applied++
		case ctx.Err() != nil:
		default:
			result.Failed++
			result.Errors = append(result.Errors, err.Error())
		}
	}
	return result
}

// apply copies one change to the opposite side. A change is marked processed
// unless the context ended before it could be applied.
func (g *Guardian) apply(ctx context.Context, change tracker.Change) error {
	target := change.Side.Opposite()
	var err error
	if change.Kind == tracker.KindDeleted {
		err = g.applier.Remove(ctx, target, change.Collection, change.RecordID)
	} else {
		err = g.applier.Put(ctx, target, change.Collection, change.RecordID, change.Payload)
	}
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	entry := audit.Entry{
		Kind:       audit.KindChangeApplied,
		Collection: change.Collection,
		RecordID:   change.RecordID,
		Source:     change.Side.String(),
		Target:     target.String(),
		Status:     audit.StatusSuccess,
		Details:    map[string]any{"change_id": change.ID, "change_kind": string(change.Kind)},
	}
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		entry.Status = audit.StatusWarning
		entry.Err = err
		err = nil
	case errors.Is(err, recovery.ErrRetryExhausted):
		entry.Status = audit.StatusRetryQueued
		entry.Err = err
	default:
		entry.Status = audit.StatusError
		entry.Err = err
		g.logError(opApply, "apply_failed", err,
			zap.String("collection", change.Collection),
			zap.String("record_id", change.RecordID),
			zap.String("side", target.String()),
		)
	}
	if markErr := g.tracker.MarkProcessed(change.ID); markErr != nil {
		g.logger.Debug("change evicted before processing",
			zap.String("operation", opApply),
			zap.String("change_id", change.ID),
		)
	}
	g.audit.Log(entry)
	return err
}

// resolvable returns the newly detected conflicts followed by open conflicts of the
// collections whose last automatic attempt failed or was superseded. Conflicts
// waiting in the manual queue are left to the operator.
func (g *Guardian) resolvable(detected []resolver.Conflict, wanted map[string]bool) []resolver.Conflict {
	manual := make(map[string]bool)
	for _, conflict := range g.resolver.ManualQueue() {
		manual[conflict.ID] = true
	}
	seen := make(map[string]bool)
	selected := make([]resolver.Conflict, 0, len(detected))
	for _, conflict := range detected {
		if manual[conflict.ID] || seen[conflict.ID] {
			continue
		}
		seen[conflict.ID] = true
		selected = append(selected, conflict)
	}
	for _, conflict := range g.resolver.Unresolved() {
		if manual[conflict.ID] || seen[conflict.ID] || !wanted[conflict.Collection] || conflict.Outcome == nil {
			continue
		}
		if conflict.Outcome.Action == resolver.ActionFailed || conflict.Outcome.Action == resolver.ActionSuperseded {
			seen[conflict.ID] = true
			selected = append(selected, conflict)
		}
	}
	return selected
}

// settle retires every pending change of a resolved conflict's record.
func (g *Guardian) settle(conflict resolver.Conflict) {
	changeIDs := append([]string(nil), conflict.ChangeIDs...)
	changeIDs = append(changeIDs, g.tracker.MarkRecordConflicted(conflict.Collection, conflict.RecordID)...)
	for _, id := range changeIDs {
		_ = g.tracker.MarkProcessed(id)
	}
}

func cycleDetails(result CycleResult) map[string]any {
	return map[string]any{
		"direction":   string(result.Direction),
		"collections": result.Collections,
		"detected":    result.Detected,
		"conflicts":   result.Conflicts,
		"resolved":    result.Resolved,
		"applied":     result.Applied,
		"held":        result.Held,
		"failed":      result.Failed,
		"duration_ms": result.DurationMs,
		"baselined":   result.Baselined,
	}
}
