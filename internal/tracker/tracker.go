// Package tracker detects per-side record changes against a checksum baseline.
//
// Detection is since-last-detect: every successful scan of a (collection, side)
// advances that side's baseline to the snapshot it just observed. Scans are
// serialized by a single-writer lock while pending-change queries only take a
// read lock, so operators can inspect state while a slow scan is in flight.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/twinsync/internal/ids"
	"github.com/MarcoPoloResearchLab/twinsync/internal/records"
	"github.com/MarcoPoloResearchLab/twinsync/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultHistoryLimit = 5000

var (
	// ErrNotTracked indicates that detection was requested before Track.
	ErrNotTracked = errors.New("tracker: no tracked collections")
	// ErrChangeNotFound indicates an unknown change id.
	ErrChangeNotFound = errors.New("tracker: change not found")
)

// ChangeKind classifies a detected change.
type ChangeKind string

const (
	KindCreated ChangeKind = "created"
	KindUpdated ChangeKind = "updated"
	KindDeleted ChangeKind = "deleted"
)

// Change is a single observed difference between a side and its baseline.
type Change struct {
	ID         string         `json:"id"`
	Collection string         `json:"collection"`
	RecordID   string         `json:"record_id"`
	Kind       ChangeKind     `json:"kind"`
	Side       store.Side     `json:"side"`
	ObservedAt time.Time      `json:"observed_at"`
	Payload    records.Record `json:"payload,omitempty"`
	Checksum   string         `json:"checksum,omitempty"`
	Processed  bool           `json:"processed"`
	Conflicted bool           `json:"conflicted"`
}

// Config describes the tracker dependencies.
type Config struct {
	Stores       store.Pair
	Keys         records.KeySpec
	Checksummer  records.Checksummer
	HistoryLimit int
	Clock        func() time.Time
	IDProvider   ids.Provider
	Logger       *zap.Logger
}

// Tracker owns the per-side baselines and the change history.
type Tracker struct {
	stores       store.Pair
	keys         records.KeySpec
	checksummer  records.Checksummer
	historyLimit int
	clock        func() time.Time
	idProvider   ids.Provider
	logger       *zap.Logger

	detectMu sync.Mutex

	mu       sync.RWMutex
	tracked  []string
	baseline map[string]map[store.Side]map[string]string
	changes  []*Change
	byID     map[string]*Change
}

type snapshot struct {
	collection string
	side       store.Side
	order      []string
	checksums  map[string]string
	payloads   map[string]records.Record
	err        error
}

// New constructs a Tracker.
func New(cfg Config) (*Tracker, error) {
	if err := cfg.Stores.Validate(); err != nil {
		return nil, err
	}
	tracker := &Tracker{
		stores:       cfg.Stores,
		keys:         cfg.Keys,
		checksummer:  cfg.Checksummer,
		historyLimit: cfg.HistoryLimit,
		clock:        cfg.Clock,
		idProvider:   cfg.IDProvider,
		logger:       cfg.Logger,
		baseline:     make(map[string]map[store.Side]map[string]string),
		byID:         make(map[string]*Change),
	}
	if !tracker.checksummer.Configured() {
		tracker.checksummer = records.DefaultChecksummer()
	}
	if tracker.historyLimit <= 0 {
		tracker.historyLimit = defaultHistoryLimit
	}
	if tracker.clock == nil {
		tracker.clock = time.Now
	}
	if tracker.idProvider == nil {
		tracker.idProvider = ids.NewUUIDProvider()
	}
	if tracker.logger == nil {
		tracker.logger = zap.NewNop()
	}
	return tracker, nil
}

// Track replaces the tracked set and captures a fresh baseline for every
// (collection, side). Pending changes from the previous set are retired.
func (t *Tracker) Track(ctx context.Context, collections []string) error {
	names, err := normalize(collections)
	if err != nil {
		return err
	}
	t.detectMu.Lock()
	defer t.detectMu.Unlock()

	snapshots := t.fetch(ctx, names)
	if err := joinErrors(snapshots); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracked = names
	t.baseline = make(map[string]map[store.Side]map[string]string, len(names))
	for _, snap := range snapshots {
		t.setBaselineLocked(snap.collection, snap.side, snap.checksums)
	}
	for _, change := range t.changes {
		change.Processed = true
	}
	t.trimLocked()
	return nil
}

// Include adds collections to the tracked set, capturing a baseline only for
// the ones not already tracked. It returns the newly tracked names.
func (t *Tracker) Include(ctx context.Context, collections []string) ([]string, error) {
	names, err := normalize(collections)
	if err != nil {
		return nil, err
	}
	t.detectMu.Lock()
	defer t.detectMu.Unlock()

	t.mu.RLock()
	var missing []string
	for _, name := range names {
		if _, ok := t.baseline[name]; !ok {
			missing = append(missing, name)
		}
	}
	t.mu.RUnlock()
	if len(missing) == 0 {
		return nil, nil
	}

	snapshots := t.fetch(ctx, missing)
	if err := joinErrors(snapshots); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, snap := range snapshots {
		t.setBaselineLocked(snap.collection, snap.side, snap.checksums)
	}
	t.tracked = append(t.tracked, missing...)
	return missing, nil
}

// Tracked returns the tracked collection names.
func (t *Tracker) Tracked() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.tracked...)
}

// Detect scans every tracked collection.
func (t *Tracker) Detect(ctx context.Context) ([]Change, error) {
	return t.DetectCollections(ctx, t.Tracked())
}

// DetectCollections scans the given tracked collections on both sides and
// returns the new changes. A side that cannot be fetched keeps its baseline;
// its error is joined into the returned error alongside the other results.
func (t *Tracker) DetectCollections(ctx context.Context, collections []string) ([]Change, error) {
	names, err := t.trackedSubset(collections)
	if err != nil {
		return nil, err
	}
	t.detectMu.Lock()
	defer t.detectMu.Unlock()

	snapshots := t.fetch(ctx, names)
	observedAt := t.clock().UTC()

	t.mu.Lock()
	defer t.mu.Unlock()
	detected := make([]Change, 0)
	for _, snap := range snapshots {
		if snap.err != nil {
			continue
		}
		previous := t.baseline[snap.collection][snap.side]
		for _, recordID := range snap.order {
			checksum := snap.checksums[recordID]
			prior, existed := previous[recordID]
			switch {
			case !existed:
				detected = append(detected, t.recordLocked(snap, recordID, KindCreated, observedAt))
			case prior != checksum:
				detected = append(detected, t.recordLocked(snap, recordID, KindUpdated, observedAt))
			}
		}
		removed := make([]string, 0)
		for recordID := range previous {
			if _, ok := snap.checksums[recordID]; !ok {
				removed = append(removed, recordID)
			}
		}
		sort.Strings(removed)
		for _, recordID := range removed {
			detected = append(detected, t.recordLocked(snap, recordID, KindDeleted, observedAt))
		}
		t.setBaselineLocked(snap.collection, snap.side, snap.checksums)
	}
	t.trimLocked()
	return detected, joinErrors(snapshots)
}

// Pending returns unprocessed changes in detection order.
func (t *Tracker) Pending() []Change {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pending := make([]Change, 0)
	for _, change := range t.changes {
		if !change.Processed {
			pending = append(pending, copyChange(change))
		}
	}
	return pending
}

// Get returns a change by id.
func (t *Tracker) Get(id string) (Change, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	change, ok := t.byID[id]
	if !ok {
		return Change{}, false
	}
	return copyChange(change), true
}

// MarkProcessed flips the processed flag of a change.
func (t *Tracker) MarkProcessed(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	change, ok := t.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrChangeNotFound, id)
	}
	change.Processed = true
	return nil
}

// MarkConflicted flags the given changes as conflicted. Unknown ids are ignored.
func (t *Tracker) MarkConflicted(changeIDs []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range changeIDs {
		if change, ok := t.byID[id]; ok {
			change.Conflicted = true
		}
	}
}

// MarkRecordConflicted flags every pending change of the record as conflicted
// and returns their ids.
func (t *Tracker) MarkRecordConflicted(collection, recordID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	flagged := make([]string, 0)
	for _, change := range t.changes {
		if change.Processed || change.Collection != collection || change.RecordID != recordID {
			continue
		}
		change.Conflicted = true
		flagged = append(flagged, change.ID)
	}
	return flagged
}

// Acknowledge records a write made by the sync process itself so the next scan
// does not report it as a foreign change. A nil record acknowledges a delete.
func (t *Tracker) Acknowledge(collection string, side store.Side, recordID string, record records.Record) {
	var checksum string
	if record != nil {
		sum, err := t.checksummer.Sum(record)
		if err != nil {
			t.logger.Warn("acknowledge checksum failed",
				zap.String("operation", "tracker.acknowledge"),
				zap.String("collection", collection),
				zap.String("record_id", recordID),
				zap.Error(err),
			)
			return
		}
		checksum = sum
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	sides, ok := t.baseline[collection]
	if !ok {
		return
	}
	entries, ok := sides[side]
	if !ok {
		entries = make(map[string]string)
		sides[side] = entries
	}
	if record == nil {
		delete(entries, recordID)
		return
	}
	entries[recordID] = checksum
}

// Recapture re-reads the baseline of the given collections and retires their
// pending changes. Collections that are not tracked are skipped.
func (t *Tracker) Recapture(ctx context.Context, collections []string) error {
	names, err := normalize(collections)
	if err != nil {
		return err
	}
	t.detectMu.Lock()
	defer t.detectMu.Unlock()

	t.mu.RLock()
	var tracked []string
	for _, name := range names {
		if _, ok := t.baseline[name]; ok {
			tracked = append(tracked, name)
		}
	}
	t.mu.RUnlock()
	if len(tracked) == 0 {
		return nil
	}

	snapshots := t.fetch(ctx, tracked)
	t.mu.Lock()
	defer t.mu.Unlock()
	retire := make(map[string]bool, len(tracked))
	for _, snap := range snapshots {
		if snap.err != nil {
			continue
		}
		t.setBaselineLocked(snap.collection, snap.side, snap.checksums)
		retire[snap.collection] = true
	}
	for _, change := range t.changes {
		if retire[change.Collection] {
			change.Processed = true
		}
	}
	t.trimLocked()
	return joinErrors(snapshots)
}

func (t *Tracker) fetch(ctx context.Context, collections []string) []*snapshot {
	snapshots := make([]*snapshot, 0, len(collections)*len(store.Sides))
	for _, collection := range collections {
		for _, side := range store.Sides {
			snapshots = append(snapshots, &snapshot{collection: collection, side: side})
		}
	}
	var group errgroup.Group
	for _, snap := range snapshots {
		group.Go(func() error {
			items, err := t.stores.Side(snap.side).List(ctx, snap.collection)
			if err != nil {
				snap.err = fmt.Errorf("tracker: list %s/%s: %w", snap.side, snap.collection, err)
				t.logger.Warn("snapshot fetch failed",
					zap.String("operation", "tracker.fetch"),
					zap.String("collection", snap.collection),
					zap.String("side", snap.side.String()),
					zap.Error(err),
				)
				return nil
			}
			t.index(snap, items)
			return nil
		})
	}
	_ = group.Wait()
	return snapshots
}

func (t *Tracker) index(snap *snapshot, items []records.Record) {
	snap.order = make([]string, 0, len(items))
	snap.checksums = make(map[string]string, len(items))
	snap.payloads = make(map[string]records.Record, len(items))
	skipped := 0
	for _, item := range items {
		recordID, err := t.keys.Key(snap.collection, item)
		if err != nil {
			skipped++
			continue
		}
		checksum, err := t.checksummer.Sum(item)
		if err != nil {
			skipped++
			continue
		}
		if _, duplicate := snap.checksums[recordID]; !duplicate {
			snap.order = append(snap.order, recordID)
		}
		snap.checksums[recordID] = checksum
		snap.payloads[recordID] = item
	}
	if skipped > 0 {
		t.logger.Warn("records skipped during snapshot",
			zap.String("operation", "tracker.index"),
			zap.String("collection", snap.collection),
			zap.String("side", snap.side.String()),
			zap.Int("skipped", skipped),
		)
	}
}

func (t *Tracker) recordLocked(snap *snapshot, recordID string, kind ChangeKind, observedAt time.Time) Change {
	change := &Change{
		ID:         ids.MustNew(t.idProvider),
		Collection: snap.collection,
		RecordID:   recordID,
		Kind:       kind,
		Side:       snap.side,
		ObservedAt: observedAt,
	}
	if kind != KindDeleted {
		change.Payload = snap.payloads[recordID].Clone()
		change.Checksum = snap.checksums[recordID]
	}
	t.changes = append(t.changes, change)
	t.byID[change.ID] = change
	return copyChange(change)
}

func (t *Tracker) setBaselineLocked(collection string, side store.Side, checksums map[string]string) {
	sides, ok := t.baseline[collection]
	if !ok {
		sides = make(map[store.Side]map[string]string, len(store.Sides))
		t.baseline[collection] = sides
	}
	entries := make(map[string]string, len(checksums))
	for recordID, checksum := range checksums {
		entries[recordID] = checksum
	}
	sides[side] = entries
}

// trimLocked evicts the oldest processed changes once the history exceeds its limit.
func (t *Tracker) trimLocked() {
	excess := len(t.changes) - t.historyLimit
	if excess <= 0 {
		return
	}
	kept := t.changes[:0]
	for _, change := range t.changes {
		if excess > 0 && change.Processed {
			delete(t.byID, change.ID)
			excess--
			continue
		}
		kept = append(kept, change)
	}
	for index := len(kept); index < len(t.changes); index++ {
		t.changes[index] = nil
	}
	t.changes = kept
}

func (t *Tracker) trackedSubset(collections []string) ([]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.tracked) == 0 {
		return nil, ErrNotTracked
	}
	if len(collections) == 0 {
		return append([]string(nil), t.tracked...), nil
	}
	subset := make([]string, 0, len(collections))
	for _, name := range collections {
		if _, ok := t.baseline[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotTracked, name)
		}
		subset = append(subset, name)
	}
	return subset, nil
}

func normalize(collections []string) ([]string, error) {
	seen := make(map[string]bool, len(collections))
	names := make([]string, 0, len(collections))
	for _, raw := range collections {
		name, err := records.ValidateCollection(raw)
		if err != nil {
			return nil, err
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names, nil
}

func joinErrors(snapshots []*snapshot) error {
	var errs []error
	for _, snap := range snapshots {
		if snap.err != nil {
			errs = append(errs, snap.err)
		}
	}
	return errors.Join(errs...)
}

func copyChange(change *Change) Change {
	copied := *change
	copied.Payload = change.Payload.Clone()
	return copied
}
