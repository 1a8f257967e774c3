// Package resolver groups two-sided changes into conflicts and resolves them.
package resolver

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
	"github.com/MarcoPoloResearchLab/twinsync/internal/tracker"
	"go.uber.org/zap"
)

const defaultHistoryLimit = 1000

var (
	// ErrConflictNotFound indicates an unknown conflict id.
	ErrConflictNotFound = errors.New("resolver: conflict not found")
	// ErrResolutionInProgress indicates that the conflict is already being resolved.
	ErrResolutionInProgress = errors.New("resolver: resolution in progress")
	// ErrAlreadyResolved indicates that the conflict was closed earlier.
	ErrAlreadyResolved = errors.New("resolver: conflict already resolved")

	errMissingWriter = errors.New("resolver: writer is required")
)

// Writer mutates one side of the twin on behalf of a resolution.
type Writer interface {
	Put(ctx context.Context, side store.Side, collection, recordID string, record records.Record) error
	Remove(ctx context.Context, side store.Side, collection, recordID string) error
}

// Conflict pairs a local and a remote change to the same record.
type Conflict struct {
	ID           string         `json:"id"`
	Collection   string         `json:"collection"`
	RecordID     string         `json:"record_id"`
	Local        tracker.Change `json:"local_change"`
	Remote       tracker.Change `json:"remote_change"`
	ChangeIDs    []string       `json:"change_ids"`
	DetectedAt   time.Time      `json:"detected_at"`
	Resolved     bool           `json:"resolved"`
	ResolvedAt   *time.Time     `json:"resolved_at,omitempty"`
	StrategyUsed Strategy       `json:"strategy_used,omitempty"`
	Outcome      *Outcome       `json:"outcome,omitempty"`
	Revisions    int            `json:"revisions"`
}

// Config describes the resolver dependencies.
type Config struct {
	Writer          Writer
	DefaultStrategy Strategy
	Checksummer     records.Checksummer
	HistoryLimit    int
	Audit           *audit.Logger
	Clock           func() time.Time
	IDProvider      ids.Provider
	Logger          *zap.Logger
}

type recordKey struct {
	collection string
	recordID   string
}

// Resolver owns the conflict registry and the manual-review queue.
type Resolver struct {
	writer       Writer
	checksummer  records.Checksummer
	historyLimit int
	audit        *audit.Logger
	clock        func() time.Time
	idProvider   ids.Provider
	logger       *zap.Logger

	mu              sync.Mutex
	defaultStrategy Strategy
	conflicts       []*Conflict
	byID            map[string]*Conflict
	open            map[recordKey]*Conflict
	manual          []string
	inProgress      map[string]bool
}

// New constructs a Resolver. An empty default strategy selects remote_wins.
func New(cfg Config) (*Resolver, error) {
	if cfg.Writer == nil {
		return nil, errMissingWriter
	}
	strategy := cfg.DefaultStrategy
	if strategy == "" {
		strategy = StrategyRemoteWins
	}
	if !strategy.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStrategy, strategy)
	}
	resolver := &Resolver{
		writer:          cfg.Writer,
		checksummer:     cfg.Checksummer,
		historyLimit:    cfg.HistoryLimit,
		audit:           cfg.Audit,
		clock:           cfg.Clock,
		idProvider:      cfg.IDProvider,
		logger:          cfg.Logger,
		defaultStrategy: strategy,
		byID:            make(map[string]*Conflict),
		open:            make(map[recordKey]*Conflict),
		inProgress:      make(map[string]bool),
	}
	if !resolver.checksummer.Configured() {
		resolver.checksummer = records.DefaultChecksummer()
	}
	if resolver.historyLimit <= 0 {
		resolver.historyLimit = defaultHistoryLimit
	}
	if resolver.audit == nil {
		resolver.audit = audit.NewLogger(audit.Config{})
	}
	if resolver.clock == nil {
		resolver.clock = time.Now
	}
	if resolver.idProvider == nil {
		resolver.idProvider = ids.NewUUIDProvider()
	}
	if resolver.logger == nil {
		resolver.logger = zap.NewNop()
	}
	return resolver, nil
}

// Default returns the default strategy.
func (r *Resolver) Default() Strategy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.defaultStrategy
}

// SetDefault replaces the default strategy.
func (r *Resolver) SetDefault(strategy Strategy) error {
	if !strategy.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStrategy, strategy)
	}
	r.mu.Lock()
	r.defaultStrategy = strategy
	r.mu.Unlock()
	return nil
}

// DetectConflicts groups the batch by record. Every group holding at least one
// local and one remote change yields one conflict built from the first change of
// each side; all changes of the group are flagged conflicted in place. An open
// conflict for the same record is superseded rather than duplicated.
func (r *Resolver) DetectConflicts(changes []tracker.Change) []Conflict {
	groups := make(map[recordKey][]int)
	order := make([]recordKey, 0)
	for index, change := range changes {
		key := recordKey{collection: change.Collection, recordID: change.RecordID}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], index)
	}

	now := r.clock().UTC()
	detected := make([]Conflict, 0)
	r.mu.Lock()
	for _, key := range order {
		members := groups[key]
		localIndex, remoteIndex := -1, -1
		for _, index := range members {
			switch changes[index].Side {
			case store.SideLocal:
				if localIndex < 0 {
					localIndex = index
				}
			case store.SideRemote:
				if remoteIndex < 0 {
					remoteIndex = index
				}
			}
		}
		if localIndex < 0 || remoteIndex < 0 {
			continue
		}
		changeIDs := make([]string, 0, len(members))
		for _, index := range members {
			changes[index].Conflicted = true
			changeIDs = append(changeIDs, changes[index].ID)
		}

		if existing, ok := r.open[key]; ok {
			existing.Local = detach(changes[localIndex])
			existing.Remote = detach(changes[remoteIndex])
			existing.ChangeIDs = append(existing.ChangeIDs, changeIDs...)
			existing.DetectedAt = now
			existing.Revisions++
			detected = append(detected, copyConflict(existing))
			continue
		}
		conflict := &Conflict{
			ID:         ids.MustNew(r.idProvider),
			Collection: key.collection,
			RecordID:   key.recordID,
			Local:      detach(changes[localIndex]),
			Remote:     detach(changes[remoteIndex]),
			ChangeIDs:  changeIDs,
			DetectedAt: now,
			Revisions:  1,
		}
		r.conflicts = append(r.conflicts, conflict)
		r.byID[conflict.ID] = conflict
		r.open[key] = conflict
		detected = append(detected, copyConflict(conflict))
	}
	r.trimLocked()
	r.mu.Unlock()

	for _, conflict := range detected {
		r.audit.Log(audit.Entry{
			Kind:       audit.KindConflictDetected,
			Collection: conflict.Collection,
			RecordID:   conflict.RecordID,
			Source:     store.SideLocal.String(),
			Target:     store.SideRemote.String(),
			Status:     audit.StatusWarning,
			Details: map[string]any{
				"conflict_id": conflict.ID,
				"local_kind":  string(conflict.Local.Kind),
				"remote_kind": string(conflict.Remote.Kind),
				"revisions":   conflict.Revisions,
			},
		})
	}
	return detected
}

// Resolve applies the strategy, or the default when strategy is nil, to the conflict.
// Store failures leave the conflict open and are returned alongside the failed outcome.
func (r *Resolver) Resolve(ctx context.Context, id string, strategy *Strategy) (Conflict, error) {
	r.mu.Lock()
	conflict, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return Conflict{}, fmt.Errorf("%w: %s", ErrConflictNotFound, id)
	}
	if conflict.Resolved {
		snapshot := copyConflict(conflict)
		r.mu.Unlock()
		return snapshot, fmt.Errorf("%w: %s", ErrAlreadyResolved, id)
	}
	if r.inProgress[id] {
		r.mu.Unlock()
		return Conflict{}, fmt.Errorf("%w: %s", ErrResolutionInProgress, id)
	}
	chosen := r.defaultStrategy
	if strategy != nil {
		chosen = *strategy
	}
	if !chosen.Valid() {
		r.mu.Unlock()
		return Conflict{}, fmt.Errorf("%w: %q", ErrInvalidStrategy, chosen)
	}
	r.inProgress[id] = true
	snapshot := copyConflict(conflict)
	r.mu.Unlock()

	outcome, execErr := r.execute(ctx, snapshot, chosen)

	r.mu.Lock()
	delete(r.inProgress, id)
	conflict.StrategyUsed = chosen
	switch {
	case execErr != nil:
		outcome.Action = ActionFailed
		outcome.Error = execErr.Error()
	case conflict.Revisions != snapshot.Revisions:
		outcome.Action = ActionSuperseded
	case chosen == StrategyManual:
		r.enqueueManualLocked(id)
	default:
		resolvedAt := r.clock().UTC()
		conflict.Resolved = true
		conflict.ResolvedAt = &resolvedAt
		delete(r.open, recordKey{collection: conflict.Collection, recordID: conflict.RecordID})
		r.dequeueManualLocked(id)
	}
	conflict.Outcome = &outcome
	result := copyConflict(conflict)
	r.trimLocked()
	r.mu.Unlock()

	r.record(result, execErr)
	return result, execErr
}

// Unresolved returns every open conflict in detection order.
func (r *Resolver) Unresolved() []Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	open := make([]Conflict, 0, len(r.open))
	for _, conflict := range r.conflicts {
		if !conflict.Resolved {
			open = append(open, copyConflict(conflict))
		}
	}
	return open
}

// ManualQueue returns the conflicts awaiting manual review in queue order.
func (r *Resolver) ManualQueue() []Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	queued := make([]Conflict, 0, len(r.manual))
	for _, id := range r.manual {
		if conflict, ok := r.byID[id]; ok {
			queued = append(queued, copyConflict(conflict))
		}
	}
	return queued
}

// Get returns a conflict by id.
func (r *Resolver) Get(id string) (Conflict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conflict, ok := r.byID[id]
	if !ok {
		return Conflict{}, fmt.Errorf("%w: %s", ErrConflictNotFound, id)
	}
	return copyConflict(conflict), nil
}

// Amend folds a later change to a record with an open conflict into that
// conflict, replacing the snapshot of the change's side. It returns the conflict
// id and false when the record has no open conflict.
func (r *Resolver) Amend(change tracker.Change) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conflict, ok := r.open[recordKey{collection: change.Collection, recordID: change.RecordID}]
	if !ok {
		return "", false
	}
	detached := detach(change)
	detached.Conflicted = true
	switch change.Side {
	case store.SideLocal:
		conflict.Local = detached
	case store.SideRemote:
		conflict.Remote = detached
	}
	conflict.ChangeIDs = append(conflict.ChangeIDs, change.ID)
	conflict.Revisions++
	return conflict.ID, true
}

// All returns every retained conflict, resolved ones included.
func (r *Resolver) All() []Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]Conflict, 0, len(r.conflicts))
	for _, conflict := range r.conflicts {
		all = append(all, copyConflict(conflict))
	}
	return all
}

// Supersede closes every open conflict of the collections as skipped. It is used
// after a full sync has overwritten both sides. It returns the number closed.
func (r *Resolver) Supersede(collections []string, reason string) int {
	wanted := make(map[string]bool, len(collections))
	for _, collection := range collections {
		wanted[collection] = true
	}
	r.mu.Lock()
	closed := make([]Conflict, 0)
	now := r.clock().UTC()
	for _, conflict := range r.conflicts {
		if conflict.Resolved || r.inProgress[conflict.ID] || !wanted[conflict.Collection] {
			continue
		}
		resolvedAt := now
		conflict.Resolved = true
		conflict.ResolvedAt = &resolvedAt
		conflict.StrategyUsed = StrategySkip
		conflict.Outcome = &Outcome{Action: ActionSuperseded, Error: reason}
		delete(r.open, recordKey{collection: conflict.Collection, recordID: conflict.RecordID})
		r.dequeueManualLocked(conflict.ID)
		closed = append(closed, copyConflict(conflict))
	}
	r.trimLocked()
	r.mu.Unlock()

	for _, conflict := range closed {
		r.audit.Log(audit.Entry{
			Kind:       audit.KindConflictResolved,
			Collection: conflict.Collection,
			RecordID:   conflict.RecordID,
			Status:     audit.StatusSuccess,
			Details:    map[string]any{"conflict_id": conflict.ID, "action": string(ActionSuperseded), "reason": reason},
		})
	}
	return len(closed)
}

func (r *Resolver) execute(ctx context.Context, conflict Conflict, strategy Strategy) (Outcome, error) {
	switch strategy {
	case StrategyRemoteWins:
		return r.applyWinner(ctx, conflict, store.SideRemote)
	case StrategyLocalWins:
		return r.applyWinner(ctx, conflict, store.SideLocal)
	case StrategyNewestWins:
		return r.applyWinner(ctx, conflict, newer(conflict.Local, conflict.Remote))
	case StrategyMerge:
		if conflict.Local.Kind == tracker.KindDeleted || conflict.Remote.Kind == tracker.KindDeleted {
			return r.applyWinner(ctx, conflict, newer(conflict.Local, conflict.Remote))
		}
		return r.merge(ctx, conflict)
	case StrategyManual:
		return Outcome{Action: ActionQueuedManual}, nil
	case StrategySkip:
		return Outcome{Action: ActionSkipped}, nil
	default:
		return Outcome{}, fmt.Errorf("%w: %q", ErrInvalidStrategy, strategy)
	}
}

// applyWinner makes the losing side match the winning change.
func (r *Resolver) applyWinner(ctx context.Context, conflict Conflict, winner store.Side) (Outcome, error) {
	winning := conflict.Remote
	action := ActionAppliedRemote
	if winner == store.SideLocal {
		winning = conflict.Local
		action = ActionAppliedLocal
	}
	target := winner.Opposite()
	outcome := Outcome{Action: action, Winner: winner}

	var err error
	if winning.Kind == tracker.KindDeleted {
		err = r.writer.Remove(ctx, target, conflict.Collection, conflict.RecordID)
		if errors.Is(err, store.ErrNotFound) {
			err = nil
		}
	} else {
		err = r.writer.Put(ctx, target, conflict.Collection, conflict.RecordID, winning.Payload)
	}
	if err != nil {
		return outcome, err
	}
	outcome.Written = []store.Side{target}
	return outcome, nil
}

// merge writes the field union to each side whose content differs from it.
func (r *Resolver) merge(ctx context.Context, conflict Conflict) (Outcome, error) {
	preferred := newer(conflict.Local, conflict.Remote)
	merged, fieldConflicts := mergePayloads(r.checksummer, conflict.Local.Payload, conflict.Remote.Payload, preferred)
	outcome := Outcome{Action: ActionMerged, Winner: preferred, FieldConflicts: fieldConflicts}

	mergedSum, err := r.checksummer.Sum(merged)
	if err != nil {
		return outcome, err
	}
	for _, side := range store.Sides {
		current := conflict.Local
		if side == store.SideRemote {
			current = conflict.Remote
		}
		if current.Checksum == mergedSum {
			continue
		}
		if err := r.writer.Put(ctx, side, conflict.Collection, conflict.RecordID, merged); err != nil {
			return outcome, err
		}
		outcome.Written = append(outcome.Written, side)
	}
	return outcome, nil
}

func (r *Resolver) record(conflict Conflict, err error) {
	status := audit.StatusSuccess
	switch {
	case err != nil:
		status = audit.StatusError
	case conflict.Outcome != nil && conflict.Outcome.Action == ActionQueuedManual:
		status = audit.StatusWarning
	}
	details := map[string]any{
		"conflict_id": conflict.ID,
		"strategy":    string(conflict.StrategyUsed),
		"resolved":    conflict.Resolved,
	}
	source, target := "", ""
	if conflict.Outcome != nil {
		details["action"] = string(conflict.Outcome.Action)
		if len(conflict.Outcome.FieldConflicts) > 0 {
			details["field_conflicts"] = len(conflict.Outcome.FieldConflicts)
		}
		if conflict.Outcome.Winner != "" {
			source = conflict.Outcome.Winner.String()
			target = conflict.Outcome.Winner.Opposite().String()
		}
	}
	r.audit.Log(audit.Entry{
		Kind:       audit.KindConflictResolved,
		Collection: conflict.Collection,
		RecordID:   conflict.RecordID,
		Source:     source,
		Target:     target,
		Status:     status,
		Details:    details,
		Err:        err,
	})
	if err != nil {
		r.logger.Error("conflict resolution failed",
			zap.String("operation", "resolver.resolve"),
			zap.String("reason", string(conflict.StrategyUsed)),
			zap.String("collection", conflict.Collection),
			zap.String("record_id", conflict.RecordID),
			zap.Error(err),
		)
	}
}

func (r *Resolver) enqueueManualLocked(id string) {
	for _, queued := range r.manual {
		if queued == id {
			return
		}
	}
	r.manual = append(r.manual, id)
}

func (r *Resolver) dequeueManualLocked(id string) {
	for index, queued := range r.manual {
		if queued == id {
			r.manual = append(r.manual[:index], r.manual[index+1:]...)
			return
		}
	}
}

// trimLocked evicts the oldest resolved conflicts once history exceeds its limit.
func (r *Resolver) trimLocked() {
	excess := len(r.conflicts) - r.historyLimit
	if excess <= 0 {
		return
	}
	kept := r.conflicts[:0]
	for _, conflict := range r.conflicts {
		if excess > 0 && conflict.Resolved && !r.inProgress[conflict.ID] {
			delete(r.byID, conflict.ID)
			excess--
			continue
		}
		kept = append(kept, conflict)
	}
	for index := len(kept); index < len(r.conflicts); index++ {
		r.conflicts[index] = nil
	}
	r.conflicts = kept
}

func detach(change tracker.Change) tracker.Change {
	change.Payload = change.Payload.Clone()
	return change
}

func copyConflict(conflict *Conflict) Conflict {
	copied := *conflict
	copied.Local.Payload = conflict.Local.Payload.Clone()
	copied.Remote.Payload = conflict.Remote.Payload.Clone()
	copied.ChangeIDs = append([]string(nil), conflict.ChangeIDs...)
	if conflict.ResolvedAt != nil {
		resolvedAt := *conflict.ResolvedAt
		copied.ResolvedAt = &resolvedAt
	}
	if conflict.Outcome != nil {
		outcome := *conflict.Outcome
		outcome.Written = append([]store.Side(nil), conflict.Outcome.Written...)
		outcome.FieldConflicts = append([]FieldConflict(nil), conflict.Outcome.FieldConflicts...)
		copied.Outcome = &outcome
	}
	return copied
}
