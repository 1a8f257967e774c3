// Package records holds the field-map record model shared by both sides of a twin
// along with checksum, query and timestamp helpers that must behave identically
// regardless of which store produced a record.
package records

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// DefaultKeyField is the primary-key field used when a collection has no override.
const DefaultKeyField = "id"

const maxIdentifierLength = 190

var (
	// ErrInvalidCollection indicates that a collection name is empty or exceeds storage bounds.
	ErrInvalidCollection = errors.New("records: invalid collection")
	// ErrMissingKey indicates that a record carries no usable primary-key value.
	ErrMissingKey = errors.New("records: missing primary key")
)

// Record is an opaque field map belonging to one collection.
type Record map[string]any

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	cloned := make(Record, len(r))
	for key, value := range r {
		cloned[key] = CloneValue(value)
	}
	return cloned
}

// Fields returns the sorted field names carrying a non-nil value.
func (r Record) Fields() []string {
	names := make([]string, 0, len(r))
	for key, value := range r {
		if value == nil {
			continue
		}
		names = append(names, key)
	}
	sort.Strings(names)
	return names
}

// CloneValue deep-copies maps and slices found in a field value.
func CloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return map[string]any(Record(typed).Clone())
	case Record:
		return typed.Clone()
	case []any:
		cloned := make([]any, len(typed))
		for index, element := range typed {
			cloned[index] = CloneValue(element)
		}
		return cloned
	default:
		return value
	}
}

// ValidateCollection trims and validates a collection name.
func ValidateCollection(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidCollection)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidCollection, maxIdentifierLength)
	}
	return trimmed, nil
}

// KeySpec maps collection names to their primary-key field.
type KeySpec map[string]string

// Field returns the primary-key field for the collection.
func (k KeySpec) Field(collection string) string {
	if field, ok := k[collection]; ok && strings.TrimSpace(field) != "" {
		return field
	}
	return DefaultKeyField
}

// Key extracts the primary-key value of a record as a string.
func (k KeySpec) Key(collection string, record Record) (string, error) {
	field := k.Field(collection)
	raw, ok := record[field]
	if !ok || raw == nil {
		return "", fmt.Errorf("%w: %s.%s", ErrMissingKey, collection, field)
	}
	var key string
	switch typed := raw.(type) {
	case string:
		key = strings.TrimSpace(typed)
	default:
		key = strings.TrimSpace(formatScalar(typed))
	}
	if key == "" {
		return "", fmt.Errorf("%w: %s.%s", ErrMissingKey, collection, field)
	}
	return key, nil
}

// Index returns the records of a collection keyed by primary key.
// Records without a usable key are skipped and reported through the returned count.
func (k KeySpec) Index(collection string, items []Record) (map[string]Record, int) {
	indexed := make(map[string]Record, len(items))
	skipped := 0
	for _, item := range items {
		key, err := k.Key(collection, item)
		if err != nil {
			skipped++
			continue
		}
		indexed[key] = item
	}
	return indexed, skipped
}
