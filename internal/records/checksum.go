package records

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// InternalFieldPrefix marks bookkeeping fields that never take part in content comparison.
const InternalFieldPrefix = "_"

// maxExactFloatInteger bounds the integers that float64 represents exactly.
const maxExactFloatInteger = 1 << 53

// DefaultVolatileFields lists timestamp and concurrency fields touched by stores on every write.
var DefaultVolatileFields = []string{
	"created_at",
	"updated_at",
	"createdon",
	"modifiedon",
	"modified_at",
	"last_modified",
	"versionnumber",
	"@odata.etag",
}

// Checksummer computes stable content digests for records.
type Checksummer struct {
	volatile map[string]struct{}
	prefix   string
}

// NewChecksummer builds a Checksummer ignoring the provided volatile fields and internal prefix.
func NewChecksummer(volatileFields []string, internalPrefix string) Checksummer {
	volatile := make(map[string]struct{}, len(volatileFields))
	for _, field := range volatileFields {
		trimmed := strings.ToLower(strings.TrimSpace(field))
		if trimmed == "" {
			continue
		}
		volatile[trimmed] = struct{}{}
	}
	return Checksummer{volatile: volatile, prefix: internalPrefix}
}

// DefaultChecksummer ignores DefaultVolatileFields and InternalFieldPrefix fields.
func DefaultChecksummer() Checksummer {
	return NewChecksummer(DefaultVolatileFields, InternalFieldPrefix)
}

// Configured reports whether the Checksummer was built by a constructor.
func (c Checksummer) Configured() bool {
	return c.volatile != nil
}

// Ignored reports whether a field is excluded from content comparison.
func (c Checksummer) Ignored(field string) bool {
	if c.prefix != "" && strings.HasPrefix(field, c.prefix) {
		return true
	}
	_, volatile := c.volatile[strings.ToLower(field)]
	return volatile
}

// Content returns the record restricted to fields that take part in comparison.
func (c Checksummer) Content(record Record) Record {
	content := make(Record, len(record))
	for field, value := range record {
		if value == nil || c.Ignored(field) {
			continue
		}
		content[field] = value
	}
	return content
}

// Sum returns the hex SHA-256 digest of the record's canonical content.
func (c Checksummer) Sum(record Record) (string, error) {
	var buffer bytes.Buffer
	if err := writeCanonical(&buffer, map[string]any(c.Content(record))); err != nil {
		return "", fmt.Errorf("records: checksum: %w", err)
	}
	digest := sha256.Sum256(buffer.Bytes())
	return hex.EncodeToString(digest[:]), nil
}

// Equal reports whether two records carry the same content.
func (c Checksummer) Equal(left, right Record) bool {
	leftSum, leftErr := c.Sum(left)
	rightSum, rightErr := c.Sum(right)
	if leftErr != nil || rightErr != nil {
		return false
	}
	return leftSum == rightSum
}

// ValueEqual compares two field values using the canonical encoding.
func ValueEqual(left, right any) bool {
	var leftBuffer, rightBuffer bytes.Buffer
	if err := writeCanonical(&leftBuffer, left); err != nil {
		return false
	}
	if err := writeCanonical(&rightBuffer, right); err != nil {
		return false
	}
	return bytes.Equal(leftBuffer.Bytes(), rightBuffer.Bytes())
}

func writeCanonical(buffer *bytes.Buffer, value any) error {
	switch typed := value.(type) {
	case nil:
		buffer.WriteString("null")
	case string:
		return writeCanonicalString(buffer, typed)
	case bool:
		buffer.WriteString(strconv.FormatBool(typed))
	case json.Number:
		if integer, err := typed.Int64(); err == nil {
			buffer.WriteString(strconv.FormatInt(integer, 10))
			return nil
		}
		parsed, err := typed.Float64()
		if err != nil {
			return writeCanonicalString(buffer, typed.String())
		}
		return writeCanonicalNumber(buffer, parsed)
	case float64:
		return writeCanonicalNumber(buffer, typed)
	case float32:
		return writeCanonicalNumber(buffer, float64(typed))
	case int:
		buffer.WriteString(strconv.FormatInt(int64(typed), 10))
	case int32:
		buffer.WriteString(strconv.FormatInt(int64(typed), 10))
	case int64:
		buffer.WriteString(strconv.FormatInt(typed, 10))
	case uint:
		buffer.WriteString(strconv.FormatUint(uint64(typed), 10))
	case uint32:
		buffer.WriteString(strconv.FormatUint(uint64(typed), 10))
	case uint64:
		buffer.WriteString(strconv.FormatUint(typed, 10))
	case time.Time:
		return writeCanonicalString(buffer, typed.UTC().Format(time.RFC3339Nano))
	case Record:
		return writeCanonicalObject(buffer, typed)
	case map[string]any:
		return writeCanonicalObject(buffer, typed)
	case []any:
		buffer.WriteByte('[')
		for index, element := range typed {
			if index > 0 {
				buffer.WriteByte(',')
			}
			if err := writeCanonical(buffer, element); err != nil {
				return fmt.Errorf("[%d]: %w", index, err)
			}
		}
		buffer.WriteByte(']')
	case []string:
		elements := make([]any, len(typed))
		for index, element := range typed {
			elements[index] = element
		}
		return writeCanonical(buffer, elements)
	default:
		return fmt.Errorf("unsupported value type %T", value)
	}
	return nil
}

func writeCanonicalObject(buffer *bytes.Buffer, object map[string]any) error {
	keys := make([]string, 0, len(object))
	for key, value := range object {
		if value == nil {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	buffer.WriteByte('{')
	for index, key := range keys {
		if index > 0 {
			buffer.WriteByte(',')
		}
		if err := writeCanonicalString(buffer, key); err != nil {
			return err
		}
		buffer.WriteByte(':')
		if err := writeCanonical(buffer, object[key]); err != nil {
			return fmt.Errorf("%q: %w", key, err)
		}
	}
	buffer.WriteByte('}')
	return nil
}

func writeCanonicalString(buffer *bytes.Buffer, value string) error {
	encoded, err := json.Marshal(norm.NFC.String(value))
	if err != nil {
		return err
	}
	buffer.Write(encoded)
	return nil
}

func writeCanonicalNumber(buffer *bytes.Buffer, value float64) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("non-finite number %v", value)
	}
	if value == math.Trunc(value) && math.Abs(value) <= maxExactFloatInteger {
		buffer.WriteString(strconv.FormatInt(int64(value), 10))
		return nil
	}
	buffer.WriteString(strconv.FormatFloat(value, 'g', -1, 64))
	return nil
}

func formatScalar(value any) string {
	var buffer bytes.Buffer
	if err := writeCanonical(&buffer, value); err != nil {
		return fmt.Sprint(value)
	}
	return strings.Trim(buffer.String(), `"`)
}
