package records

import (
	"strconv"
	"strings"
	"time"
)

// ModificationFields lists payload fields consulted, in order, for a record's last-modified time.
var ModificationFields = []string{"modifiedon", "updated_at", "modified_at", "last_modified"}

// unix values above this are treated as milliseconds.
const millisecondThreshold = 1e11

// ModifiedAt returns the most specific modification timestamp carried by the record.
func ModifiedAt(record Record) (time.Time, bool) {
	for _, field := range ModificationFields {
		value, ok := record[field]
		if !ok || value == nil {
			continue
		}
		if parsed, ok := parseTimestamp(value); ok {
			return parsed, true
		}
	}
	return time.Time{}, false
}

func parseTimestamp(value any) (time.Time, bool) {
	switch typed := value.(type) {
	case time.Time:
		return typed.UTC(), !typed.IsZero()
	case string:
		trimmed := strings.TrimSpace(typed)
		if trimmed == "" {
			return time.Time{}, false
		}
		if parsed, err := time.Parse(time.RFC3339Nano, trimmed); err == nil {
			return parsed.UTC(), true
		}
		if number, err := strconv.ParseFloat(trimmed, 64); err == nil {
			return fromUnix(number), true
		}
		return time.Time{}, false
	case float64:
		return fromUnix(typed), true
	case int64:
		return fromUnix(float64(typed)), true
	case int:
		return fromUnix(float64(typed)), true
	default:
		return time.Time{}, false
	}
}

func fromUnix(value float64) time.Time {
	if value > millisecondThreshold {
		return time.UnixMilli(int64(value)).UTC()
	}
	seconds := int64(value)
	nanos := int64((value - float64(seconds)) * float64(time.Second))
	return time.Unix(seconds, nanos).UTC()
}
