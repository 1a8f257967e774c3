package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/twinsync/internal/ids"
	"github.com/MarcoPoloResearchLab/twinsync/internal/records"
)

// MemoryStore is a goroutine-safe in-process Store. It backs tests and the
// demo remote side and keeps per-collection insertion order for stable listings.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*memoryCollection
	keys        records.KeySpec
	idProvider  ids.Provider
}

type memoryCollection struct {
	order []string
	items map[string]records.Record
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore(keys records.KeySpec) *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]*memoryCollection),
		keys:        keys,
		idProvider:  ids.NewUUIDProvider(),
	}
}

func (m *MemoryStore) collection(name string) *memoryCollection {
	existing, ok := m.collections[name]
	if !ok {
		existing = &memoryCollection{items: make(map[string]records.Record)}
		m.collections[name] = existing
	}
	return existing
}

// Create stores a new record, assigning a primary key when absent.
func (m *MemoryStore) Create(_ context.Context, collection string, record records.Record) (records.Record, error) {
	name, err := records.ValidateCollection(collection)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	stored := record.Clone()
	if stored == nil {
		stored = records.Record{}
	}
	key, keyErr := m.keys.Key(name, stored)
	if keyErr != nil {
		key = ids.MustNew(m.idProvider)
		stored[m.keys.Field(name)] = key
	}
	dropNil(stored)

	m.mu.Lock()
	defer m.mu.Unlock()
	target := m.collection(name)
	if _, exists := target.items[key]; exists {
		return nil, fmt.Errorf("%w: duplicate key %s/%s", ErrInvalidRecord, name, key)
	}
	target.items[key] = stored
	target.order = append(target.order, key)
	return stored.Clone(), nil
}

// Read returns a copy of the record stored under id.
func (m *MemoryStore) Read(_ context.Context, collection, id string) (records.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	target, ok := m.collections[collection]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	item, ok := target.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	return item.Clone(), nil
}

// List returns copies of every record in insertion order.
func (m *MemoryStore) List(_ context.Context, collection string) ([]records.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	target, ok := m.collections[collection]
	if !ok {
		return []records.Record{}, nil
	}
	items := make([]records.Record, 0, len(target.order))
	for _, key := range target.order {
		items = append(items, target.items[key].Clone())
	}
	return items, nil
}

// Update merges the partial record into the stored one; nil values clear fields.
func (m *MemoryStore) Update(_ context.Context, collection, id string, partial records.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	target, ok := m.collections[collection]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	item, ok := target.items[id]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	keyField := m.keys.Field(collection)
	for field, value := range partial {
		if field == keyField {
			continue
		}
		if value == nil {
			delete(item, field)
			continue
		}
		item[field] = records.CloneValue(value)
	}
	return nil
}

// Delete removes the record stored under id.
func (m *MemoryStore) Delete(_ context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	target, ok := m.collections[collection]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	if _, ok := target.items[id]; !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	delete(target.items, id)
	for index, key := range target.order {
		if key == id {
			target.order = append(target.order[:index], target.order[index+1:]...)
			break
		}
	}
	return nil
}

// Query evaluates the query over the collection.
func (m *MemoryStore) Query(ctx context.Context, collection string, query records.Query) ([]records.Record, error) {
	items, err := m.List(ctx, collection)
	if err != nil {
		return nil, err
	}
	return records.Apply(items, query)
}

// Collections returns the names of all non-empty collections.
func (m *MemoryStore) Collections() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.collections))
	for name, target := range m.collections {
		if len(target.items) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func dropNil(record records.Record) {
	for field, value := range record {
		if value == nil {
			delete(record, field)
		}
	}
}
