package guardian

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/MarcoPoloResearchLab/twinsync/internal/audit"
	"github.com/MarcoPoloResearchLab/twinsync/internal/records"
	"github.com/MarcoPoloResearchLab/twinsync/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const supersededByFullSync = "superseded by full sync"

// FullSyncCollection reports the copy work done for one collection.
type FullSyncCollection struct {
	Collection string `json:"collection"`
	Copied     int    `json:"copied"`
	Deleted    int    `json:"deleted"`
	Unchanged  int    `json:"unchanged"`
	Failed     int    `json:"failed"`
	Error      string `json:"error,omitempty"`
}

// FullSyncResult summarizes a forced full sync.
type FullSyncResult struct {
	Direction           Direction            `json:"direction"`
	Collections         []FullSyncCollection `json:"collections"`
	SupersededConflicts int                  `json:"superseded_conflicts"`
}

// ForceFullSync mirrors whole collections regardless of the tracker baseline.
// A one-way direction makes the target equal to the source, deleting target-only
// records. Bidirectional copies one-sided records across and lets the remote side
// win for records present on both. Afterwards the baseline is re-captured and the
// open conflicts of the collections are superseded.
func (g *Guardian) ForceFullSync(ctx context.Context, collections []string, rawDirection string) (FullSyncResult, error) {
	direction, err := ParseDirection(rawDirection)
	if err != nil {
		return FullSyncResult{}, newServiceError(opFullSync, reasonDirection, err)
	}
	names := append([]string(nil), collections...)
	if len(names) == 0 {
		names = g.collections()
	}
	if len(names) == 0 {
		return FullSyncResult{}, newServiceError(opFullSync, reasonNoTargets, ErrNoCollections)
	}
	for index, raw := range names {
		name, validateErr := records.ValidateCollection(raw)
		if validateErr != nil {
			return FullSyncResult{}, newServiceError(opFullSync, "invalid_collection", validateErr)
		}
		names[index] = name
	}

	g.cycleMu.Lock()
	defer g.cycleMu.Unlock()

	result := FullSyncResult{Direction: direction, Collections: make([]FullSyncCollection, 0, len(names))}
	for _, name := range names {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		entry := g.mirror(ctx, name, direction)
		result.Collections = append(result.Collections, entry)

		status := audit.StatusSuccess
		var entryErr error
		switch {
		case entry.Error != "":
			status = audit.StatusError
			entryErr = errors.New(entry.Error)
		case entry.Failed > 0:
			status = audit.StatusWarning
		}
		g.audit.Log(audit.Entry{
			Kind:       audit.KindFullSync,
			Collection: name,
			Source:     string(direction.Source()),
			Status:     status,
			Details: map[string]any{
				"direction": string(direction),
				"copied":    entry.Copied,
				"deleted":   entry.Deleted,
				"unchanged": entry.Unchanged,
				"failed":    entry.Failed,
			},
			Err: entryErr,
		})
	}

	if err := g.tracker.Recapture(ctx, names); err != nil {
		g.logError(opFullSync, "recapture_failed", err, zap.Strings("collections", names))
	}
	result.SupersededConflicts = g.resolver.Supersede(names, supersededByFullSync)
	return result, nil
}

func (g *Guardian) mirror(ctx context.Context, collection string, direction Direction) FullSyncCollection {
	entry := FullSyncCollection{Collection: collection}

	var local, remote []records.Record
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		items, err := g.stores.Local.List(groupCtx, collection)
		if err != nil {
			return fmt.Errorf("%s: %w", store.SideLocal, err)
		}
		local = items
		return nil
	})
	group.Go(func() error {
		items, err := g.stores.Remote.List(groupCtx, collection)
		if err != nil {
			return fmt.Errorf("%s: %w", store.SideRemote, err)
		}
		remote = items
		return nil
	})
	if err := group.Wait(); err != nil {
		g.logError(opFullSync, "snapshot_failed", err, zap.String("collection", collection))
		entry.Error = err.Error()
		return entry
	}

	localIndex, _ := g.keys.Index(collection, local)
	remoteIndex, _ := g.keys.Index(collection, remote)

	switch direction {
	case DirectionRemoteToLocal:
		g.copyInto(ctx, &entry, collection, store.SideLocal, remoteIndex, localIndex, true)
	case DirectionLocalToRemote:
		g.copyInto(ctx, &entry, collection, store.SideRemote, localIndex, remoteIndex, true)
	default:
		g.copyInto(ctx, &entry, collection, store.SideLocal, remoteIndex, localIndex, false)
		localOnly := make(map[string]records.Record)
		for recordID, record := range localIndex {
			if _, shared := remoteIndex[recordID]; !shared {
				localOnly[recordID] = record
			}
		}
		g.copyInto(ctx, &entry, collection, store.SideRemote, localOnly, remoteIndex, false)
	}
	return entry
}

// copyInto upserts every source record that differs from the target copy and,
// when prune is set, deletes target records missing from the source.
func (g *Guardian) copyInto(ctx context.Context, entry *FullSyncCollection, collection string, target store.Side, source, existing map[string]records.Record, prune bool) {
	for _, recordID := range sortedKeys(source) {
		if ctx.Err() != nil {
			return
		}
		current, ok := existing[recordID]
		if ok && g.checksummer.Equal(current, source[recordID]) {
			entry.Unchanged++
			continue
		}
		if err := g.applier.Put(ctx, target, collection, recordID, source[recordID]); err != nil {
			entry.Failed++
			continue
		}
		entry.Copied++
	}
	if !prune {
		return
	}
	for _, recordID := range sortedKeys(existing) {
		if ctx.Err() != nil {
			return
		}
		if _, ok := source[recordID]; ok {
			continue
		}
		if err := g.applier.Remove(ctx, target, collection, recordID); err != nil && !errors.Is(err, store.ErrNotFound) {
			entry.Failed++
			continue
		}
		entry.Deleted++
	}
}

func sortedKeys(items map[string]records.Record) []string {
	keys := make([]string, 0, len(items))
	for key := range items {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
