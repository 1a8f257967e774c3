// Package store defines the CRUD and query capability exposed by each side of a twin.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/twinsync/internal/records"
)

var (
	// ErrNotFound indicates that the requested record does not exist on the side.
	ErrNotFound = errors.New("store: record not found")
	// ErrUnavailable indicates that the side could not be reached or refused the request.
	ErrUnavailable = errors.New("store: unavailable")
	// ErrInvalidRecord indicates that a record payload cannot be stored.
	ErrInvalidRecord = errors.New("store: invalid record")
)

// Store is the capability each side of a twin exposes over named collections.
// Update applies a partial record; nil values clear the field.
type Store interface {
	Create(ctx context.Context, collection string, record records.Record) (records.Record, error)
	Read(ctx context.Context, collection, id string) (records.Record, error)
	List(ctx context.Context, collection string) ([]records.Record, error)
	Update(ctx context.Context, collection, id string, partial records.Record) error
	Delete(ctx context.Context, collection, id string) error
	Query(ctx context.Context, collection string, query records.Query) ([]records.Record, error)
}

// Side identifies one half of a twin.
type Side string

const (
	// SideLocal is the locally held replica.
	SideLocal Side = "local"
	// SideRemote is the authoritative remote system.
	SideRemote Side = "remote"
)

// Sides lists both sides in deterministic order.
var Sides = []Side{SideLocal, SideRemote}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideLocal {
		return SideRemote
	}
	return SideLocal
}

// String returns the side name.
func (s Side) String() string {
	return string(s)
}

// Pair binds the local replica and the remote authority together.
type Pair struct {
	Local  Store
	Remote Store
}

// Side returns the store for the requested side.
func (p Pair) Side(side Side) Store {
	if side == SideLocal {
		return p.Local
	}
	return p.Remote
}

// Validate ensures both sides are present.
func (p Pair) Validate() error {
	if p.Local == nil {
		return fmt.Errorf("store: local side required")
	}
	if p.Remote == nil {
		return fmt.Errorf("store: remote side required")
	}
	return nil
}

// Upsert makes the record held under id on the target store equal to record.
// Fields present on the stored copy but absent from record are cleared. A key
// value carried by record is kept as is; id fills the key field only when absent.
func Upsert(ctx context.Context, target Store, collection, id string, keys records.KeySpec, record records.Record) error {
	existing, err := target.Read(ctx, collection, id)
	if errors.Is(err, ErrNotFound) {
		payload := record.Clone()
		if payload == nil {
			payload = records.Record{}
		}
		if field := keys.Field(collection); payload[field] == nil {
			payload[field] = id
		}
		_, createErr := target.Create(ctx, collection, payload)
		return createErr
	}
	if err != nil {
		return err
	}
	partial := record.Clone()
	if partial == nil {
		partial = records.Record{}
	}
	keyField := keys.Field(collection)
	for field := range existing {
		if field == keyField {
			continue
		}
		if _, ok := partial[field]; !ok {
			partial[field] = nil
		}
	}
	delete(partial, keyField)
	return target.Update(ctx, collection, id, partial)
}
