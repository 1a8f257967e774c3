package guardian

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/twinsync/internal/records"
	"github.com/MarcoPoloResearchLab/twinsync/internal/recovery"
	"github.com/MarcoPoloResearchLab/twinsync/internal/store"
	"github.com/MarcoPoloResearchLab/twinsync/internal/tracker"
)

const (
	operationUpsert = "upsert"
	operationDelete = "delete"
)

// applier writes to one side through the retry policy and acknowledges each
// successful write to the tracker so it is not re-detected as a foreign change.
type applier struct {
	stores   store.Pair
	keys     records.KeySpec
	tracker  *tracker.Tracker
	recovery *recovery.Manager
}

func (a *applier) Put(ctx context.Context, side store.Side, collection, recordID string, record records.Record) error {
	payload := record.Clone()
	_, err := a.recovery.WithRetry(ctx, recovery.Operation{
		Name:       operationUpsert,
		Collection: collection,
		RecordID:   recordID,
		Source:     side.Opposite(),
		Target:     side,
		Run: func(ctx context.Context) error {
			return store.Upsert(ctx, a.stores.Side(side), collection, recordID, a.keys, payload)
		},
	})
	if err != nil {
		return err
	}
	a.tracker.Acknowledge(collection, side, recordID, withKey(a.keys, collection, recordID, payload))
	return nil
}

func (a *applier) Remove(ctx context.Context, side store.Side, collection, recordID string) error {
	_, err := a.recovery.WithRetry(ctx, recovery.Operation{
		Name:       operationDelete,
		Collection: collection,
		RecordID:   recordID,
		Source:     side.Opposite(),
		Target:     side,
		Run: func(ctx context.Context) error {
			return a.stores.Side(side).Delete(ctx, collection, recordID)
		},
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	a.tracker.Acknowledge(collection, side, recordID, nil)
	return err
}

// replay re-reads the source record of a failed operation and mirrors it onto the
// target with a single attempt. A source record that no longer exists is removed
// from the target.
func (a *applier) replay(ctx context.Context, operation recovery.FailedOperation) error {
	source := a.stores.Side(operation.Source)
	target := a.stores.Side(operation.Target)
	current, err := source.Read(ctx, operation.Collection, operation.RecordID)
	if errors.Is(err, store.ErrNotFound) {
		if deleteErr := target.Delete(ctx, operation.Collection, operation.RecordID); deleteErr != nil && !errors.Is(deleteErr, store.ErrNotFound) {
			return deleteErr
		}
		a.tracker.Acknowledge(operation.Collection, operation.Target, operation.RecordID, nil)
		return nil
	}
	if err != nil {
		return err
	}
	if err := store.Upsert(ctx, target, operation.Collection, operation.RecordID, a.keys, current); err != nil {
		return err
	}
	a.tracker.Acknowledge(operation.Collection, operation.Target, operation.RecordID, current)
	return nil
}

// withKey returns the record as the target holds it after an upsert, key field included.
func withKey(keys records.KeySpec, collection, recordID string, record records.Record) records.Record {
	stored := record.Clone()
	if stored == nil {
		stored = records.Record{}
	}
	if field := keys.Field(collection); stored[field] == nil {
		stored[field] = recordID
	}
	return stored
}
