package remote

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/twinsync/internal/records"
)

const (
	paramSelect  = "$select"
	paramFilter  = "$filter"
	paramOrderBy = "$orderby"
	paramTop     = "$top"

	clauseSeparator = " and "
	equalSeparator  = " eq "
	containsPrefix  = "contains("
	descendingToken = "desc"
	ascendingToken  = "asc"
)

// EncodeQuery renders a query as remote query-string parameters.
func EncodeQuery(query records.Query) url.Values {
	values := url.Values{}
	if len(query.Select) > 0 {
		values.Set(paramSelect, strings.Join(query.Select, ","))
	}
	if len(query.Filters) > 0 {
		clauses := make([]string, 0, len(query.Filters))
		for _, filter := range query.Filters {
			switch filter.Operator {
			case records.OperatorContains:
				clauses = append(clauses, fmt.Sprintf("contains(%s,%s)", filter.Field, quote(filter.Value)))
			default:
				clauses = append(clauses, fmt.Sprintf("%s eq %s", filter.Field, quote(filter.Value)))
			}
		}
		values.Set(paramFilter, strings.Join(clauses, clauseSeparator))
	}
	if query.OrderBy != "" {
		orderBy := query.OrderBy
		if query.Descending {
			orderBy += " " + descendingToken
		}
		values.Set(paramOrderBy, orderBy)
	}
	if query.Top > 0 {
		values.Set(paramTop, strconv.Itoa(query.Top))
	}
	return values
}

// ParseQuery is the inverse of EncodeQuery.
func ParseQuery(values url.Values) (records.Query, error) {
	query := records.Query{}
	if raw := strings.TrimSpace(values.Get(paramSelect)); raw != "" {
		for _, field := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(field); trimmed != "" {
				query.Select = append(query.Select, trimmed)
			}
		}
	}
	if raw := strings.TrimSpace(values.Get(paramFilter)); raw != "" {
		for _, clause := range splitClauses(raw) {
			filter, err := parseClause(clause)
			if err != nil {
				return records.Query{}, err
			}
			query.Filters = append(query.Filters, filter)
		}
	}
	if raw := strings.TrimSpace(values.Get(paramOrderBy)); raw != "" {
		parts := strings.Fields(raw)
		query.OrderBy = parts[0]
		if len(parts) > 2 {
			return records.Query{}, fmt.Errorf("%w: orderby %q", records.ErrInvalidQuery, raw)
		}
		if len(parts) == 2 {
			switch strings.ToLower(parts[1]) {
			case descendingToken:
				query.Descending = true
			case ascendingToken:
			default:
				return records.Query{}, fmt.Errorf("%w: orderby direction %q", records.ErrInvalidQuery, parts[1])
			}
		}
	}
	if raw := strings.TrimSpace(values.Get(paramTop)); raw != "" {
		top, err := strconv.Atoi(raw)
		if err != nil || top < 0 {
			return records.Query{}, fmt.Errorf("%w: top %q", records.ErrInvalidQuery, raw)
		}
		query.Top = top
	}
	return query, query.Validate()
}

func quote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}

func unquote(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if len(trimmed) < 2 || trimmed[0] != '\'' || trimmed[len(trimmed)-1] != '\'' {
		return "", fmt.Errorf("%w: unquoted literal %q", records.ErrInvalidQuery, raw)
	}
	return strings.ReplaceAll(trimmed[1:len(trimmed)-1], "''", "'"), nil
}

// splitClauses splits on the and-separator outside quoted literals.
func splitClauses(expression string) []string {
	var clauses []string
	inLiteral := false
	start := 0
	for index := 0; index < len(expression); index++ {
		if expression[index] == '\'' {
			inLiteral = !inLiteral
			continue
		}
		if !inLiteral && strings.HasPrefix(expression[index:], clauseSeparator) {
			clauses = append(clauses, expression[start:index])
			index += len(clauseSeparator) - 1
			start = index + 1
		}
	}
	return append(clauses, expression[start:])
}

func parseClause(clause string) (records.Filter, error) {
	trimmed := strings.TrimSpace(clause)
	if strings.HasPrefix(trimmed, containsPrefix) && strings.HasSuffix(trimmed, ")") {
		inner := trimmed[len(containsPrefix) : len(trimmed)-1]
		comma := strings.Index(inner, ",")
		if comma <= 0 {
			return records.Filter{}, fmt.Errorf("%w: clause %q", records.ErrInvalidQuery, clause)
		}
		value, err := unquote(inner[comma+1:])
		if err != nil {
			return records.Filter{}, err
		}
		return records.Filter{Field: strings.TrimSpace(inner[:comma]), Operator: records.OperatorContains, Value: value}, nil
	}
	separator := strings.Index(trimmed, equalSeparator)
	if separator <= 0 {
		return records.Filter{}, fmt.Errorf("%w: clause %q", records.ErrInvalidQuery, clause)
	}
	value, err := unquote(trimmed[separator+len(equalSeparator):])
	if err != nil {
		return records.Filter{}, err
	}
	return records.Filter{Field: strings.TrimSpace(trimmed[:separator]), Operator: records.OperatorEqual, Value: value}, nil
}
