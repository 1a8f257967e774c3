// Package storetest provides Store doubles for exercising failure paths.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/MarcoPoloResearchLab/twinsync/internal/records"
	"github.com/MarcoPoloResearchLab/twinsync/internal/store"
)

// Operation names accepted by FlakyStore.FailNext.
const (
	OpCreate = "create"
	OpRead   = "read"
	OpList   = "list"
	OpUpdate = "update"
	OpDelete = "delete"
	OpQuery  = "query"
)

// FlakyStore wraps a Store and fails a configurable number of upcoming calls per operation.
type FlakyStore struct {
	inner   store.Store
	mu      sync.Mutex
	pending map[string]int
	missing map[string]int
	calls   map[string]*atomic.Int64
	down    atomic.Bool
}

// NewFlakyStore wraps inner.
func NewFlakyStore(inner store.Store) *FlakyStore {
	calls := make(map[string]*atomic.Int64)
	for _, op := range []string{OpCreate, OpRead, OpList, OpUpdate, OpDelete, OpQuery} {
		calls[op] = &atomic.Int64{}
	}
	return &FlakyStore{inner: inner, pending: make(map[string]int), missing: make(map[string]int), calls: calls}
}

// FailNext makes the next count calls of op return store.ErrUnavailable.
func (f *FlakyStore) FailNext(op string, count int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[op] += count
}

// MissNext makes the next count calls of op return store.ErrNotFound without
// reaching the wrapped store.
func (f *FlakyStore) MissNext(op string, count int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.missing[op] += count
}

// SetDown makes every call fail until cleared.
func (f *FlakyStore) SetDown(down bool) {
	f.down.Store(down)
}

// Calls returns how many times op has been invoked.
func (f *FlakyStore) Calls(op string) int64 {
	counter, ok := f.calls[op]
	if !ok {
		return 0
	}
	return counter.Load()
}

func (f *FlakyStore) intercept(op string) error {
	if counter, ok := f.calls[op]; ok {
		counter.Add(1)
	}
	if f.down.Load() {
		return fmt.Errorf("%w: %s refused", store.ErrUnavailable, op)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending[op] > 0 {
		f.pending[op]--
		return fmt.Errorf("%w: injected %s failure", store.ErrUnavailable, op)
	}
	if f.missing[op] > 0 {
		f.missing[op]--
		return fmt.Errorf("%w: injected %s miss", store.ErrNotFound, op)
	}
	return nil
}

func (f *FlakyStore) Create(ctx context.Context, collection string, record records.Record) (records.Record, error) {
	if err := f.intercept(OpCreate); err != nil {
		return nil, err
	}
	return f.inner.Create(ctx, collection, record)
}

func (f *FlakyStore) Read(ctx context.Context, collection, id string) (records.Record, error) {
	if err := f.intercept(OpRead); err != nil {
		return nil, err
	}
	return f.inner.Read(ctx, collection, id)
}

func (f *FlakyStore) List(ctx context.Context, collection string) ([]records.Record, error) {
	if err := f.intercept(OpList); err != nil {
		return nil, err
	}
	return f.inner.List(ctx, collection)
}

func (f *FlakyStore) Update(ctx context.Context, collection, id string, partial records.Record) error {
	if err := f.intercept(OpUpdate); err != nil {
		return err
	}
	return f.inner.Update(ctx, collection, id, partial)
}

func (f *FlakyStore) Delete(ctx context.Context, collection, id string) error {
	if err := f.intercept(OpDelete); err != nil {
		return err
	}
	return f.inner.Delete(ctx, collection, id)
}

func (f *FlakyStore) Query(ctx context.Context, collection string, query records.Query) ([]records.Record, error) {
	if err := f.intercept(OpQuery); err != nil {
		return nil, err
	}
	return f.inner.Query(ctx, collection, query)
}
