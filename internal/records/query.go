package records

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Operator enumerates supported filter predicates.
type Operator string

const (
	// OperatorEqual matches records whose field equals the value.
	OperatorEqual Operator = "eq"
	// OperatorContains matches records whose field contains the value as a substring.
	OperatorContains Operator = "contains"
)

// ErrInvalidQuery indicates that a query carries an unsupported predicate.
var ErrInvalidQuery = errors.New("records: invalid query")

// Filter is a single predicate applied to one field.
type Filter struct {
	Field    string
	Operator Operator
	Value    string
}

// Query describes a filtered, ordered and bounded projection over a collection.
type Query struct {
	Select     []string
	Filters    []Filter
	OrderBy    string
	Descending bool
	Top        int
}

// Validate reports unsupported operators or empty field names.
func (q Query) Validate() error {
	for _, filter := range q.Filters {
		if strings.TrimSpace(filter.Field) == "" {
			return fmt.Errorf("%w: empty filter field", ErrInvalidQuery)
		}
		switch filter.Operator {
		case OperatorEqual, OperatorContains:
		default:
			return fmt.Errorf("%w: operator %q", ErrInvalidQuery, filter.Operator)
		}
	}
	if q.Top < 0 {
		return fmt.Errorf("%w: negative top", ErrInvalidQuery)
	}
	return nil
}

// Matches reports whether the record satisfies every filter.
func (q Query) Matches(record Record) bool {
	for _, filter := range q.Filters {
		value, ok := record[filter.Field]
		if !ok || value == nil {
			return false
		}
		text := formatScalar(value)
		switch filter.Operator {
		case OperatorEqual:
			if text != filter.Value {
				return false
			}
		case OperatorContains:
			if !strings.Contains(strings.ToLower(text), strings.ToLower(filter.Value)) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// Apply evaluates the query against an in-memory record set and returns projected copies.
func Apply(items []Record, q Query) ([]Record, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	matched := make([]Record, 0, len(items))
	for _, item := range items {
		if q.Matches(item) {
			matched = append(matched, item)
		}
	}
	if q.OrderBy != "" {
		field := q.OrderBy
		sort.SliceStable(matched, func(left, right int) bool {
			order := compareValues(matched[left][field], matched[right][field])
			if q.Descending {
				return order > 0
			}
			return order < 0
		})
	}
	if q.Top > 0 && len(matched) > q.Top {
		matched = matched[:q.Top]
	}
	projected := make([]Record, 0, len(matched))
	for _, item := range matched {
		projected = append(projected, project(item, q.Select))
	}
	return projected, nil
}

func project(record Record, fields []string) Record {
	if len(fields) == 0 {
		return record.Clone()
	}
	projected := make(Record, len(fields))
	for _, field := range fields {
		if value, ok := record[field]; ok {
			projected[field] = CloneValue(value)
		}
	}
	return projected
}

// compareValues orders nil first, then numbers numerically, then everything else as text.
func compareValues(left, right any) int {
	switch {
	case left == nil && right == nil:
		return 0
	case left == nil:
		return -1
	case right == nil:
		return 1
	}
	leftText := formatScalar(left)
	rightText := formatScalar(right)
	leftNumber, leftErr := strconv.ParseFloat(leftText, 64)
	rightNumber, rightErr := strconv.ParseFloat(rightText, 64)
	if leftErr == nil && rightErr == nil {
		switch {
		case leftNumber < rightNumber:
			return -1
		case leftNumber > rightNumber:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(leftText, rightText)
}
