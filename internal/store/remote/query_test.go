package remote

import (
	"net/url"
	"testing"

	"github.com/MarcoPoloResearchLab/twinsync/internal/records"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeQueryUsesRemoteSyntax(t *testing.T) {
	values := EncodeQuery(records.Query{
		Select: []string{"accountid", "name"},
		Filters: []records.Filter{
			{Field: "statecode", Operator: records.OperatorEqual, Value: "0"},
			{Field: "name", Operator: records.OperatorContains, Value: "O'Brien"},
		},
		OrderBy:    "name",
		Descending: true,
		Top:        10,
	})
	assert.Equal(t, "accountid,name", values.Get("$select"))
	assert.Equal(t, "statecode eq '0' and contains(name,'O''Brien')", values.Get("$filter"))
	assert.Equal(t, "name desc", values.Get("$orderby"))
	assert.Equal(t, "10", values.Get("$top"))
}

func TestParseQueryRoundTripsEncodedQueries(t *testing.T) {
	original := records.Query{
		Filters: []records.Filter{
			{Field: "name", Operator: records.OperatorContains, Value: "Rock and Roll"},
			{Field: "city", Operator: records.OperatorEqual, Value: "Saint John's"},
		},
		OrderBy: "city",
	}
	parsed, err := ParseQuery(EncodeQuery(original))
	require.NoError(t, err)
	assert.Equal(t, original, parsed)
}

func TestParseQueryRejectsMalformedInput(t *testing.T) {
	cases := map[string]url.Values{
		"unquoted literal": {"$filter": {"name eq Acme"}},
		"unknown clause":   {"$filter": {"startswith(name,'A')"}},
		"bad direction":    {"$orderby": {"name sideways"}},
		"negative top":     {"$top": {"-1"}},
	}
	for name, values := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseQuery(values)
			assert.ErrorIs(t, err, records.ErrInvalidQuery)
		})
	}
}
