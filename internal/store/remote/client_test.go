package remote_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/twinsync/internal/auth"
	"github.com/MarcoPoloResearchLab/twinsync/internal/records"
	"github.com/MarcoPoloResearchLab/twinsync/internal/store"
	"github.com/MarcoPoloResearchLab/twinsync/internal/store/remote"
	"github.com/MarcoPoloResearchLab/twinsync/internal/store/remote/remotetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingTokens struct {
	issuer *auth.TokenIssuer
	calls  atomic.Int64
}

func (c *countingTokens) IssueToken(ctx context.Context, subject string) (string, int64, error) {
	c.calls.Add(1)
	return c.issuer.IssueToken(ctx, subject)
}

func newIssuer(t *testing.T) *auth.TokenIssuer {
	t.Helper()
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("remote-secret"),
		Issuer:        "twinsync-auth",
		Audience:      "remote-records",
		TokenTTL:      time.Hour,
	})
	require.NoError(t, err)
	return issuer
}

func newClient(t *testing.T, backing store.Store, opts ...remotetest.Option) (*remote.Client, *countingTokens) {
	t.Helper()
	issuer := newIssuer(t)
	server := remotetest.NewServer(backing, issuer, opts...)
	t.Cleanup(server.Close)
	tokens := &countingTokens{issuer: issuer}
	client, err := remote.New(remote.Config{
		BaseURL: server.URL,
		Tokens:  tokens,
		Keys:    records.KeySpec{"accounts": "accountid"},
	})
	require.NoError(t, err)
	return client, tokens
}

func TestClientCRUDAgainstRESTServer(t *testing.T) {
	backing := store.NewMemoryStore(records.KeySpec{"accounts": "accountid"})
	issuer := newIssuer(t)
	router := http.NewServeMux()
	router.Handle("/api/", http.StripPrefix("/api", remotetest.NewHandler(backing, issuer)))
	server := httptest.NewServer(router)
	defer server.Close()

	tokens := &countingTokens{issuer: issuer}
	client, err := remote.New(remote.Config{
		BaseURL: server.URL + "/api/",
		Tokens:  tokens,
		Keys:    records.KeySpec{"accounts": "accountid"},
	})
	require.NoError(t, err)
	ctx := context.Background()

	created, err := client.Create(ctx, "accounts", records.Record{"accountid": "A1", "name": "Acme", "city": "Oslo"})
	require.NoError(t, err)
	assert.Equal(t, "A1", created["accountid"])

	item, err := client.Read(ctx, "accounts", "A1")
	require.NoError(t, err)
	assert.Equal(t, "Acme", item["name"])

	require.NoError(t, client.Update(ctx, "accounts", "A1", records.Record{"name": "Acme Corp", "city": nil}))
	item, err = client.Read(ctx, "accounts", "A1")
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", item["name"])
	assert.NotContains(t, item, "city")

	items, err := client.List(ctx, "accounts")
	require.NoError(t, err)
	require.Len(t, items, 1)

	require.NoError(t, client.Delete(ctx, "accounts", "A1"))
	_, err = client.Read(ctx, "accounts", "A1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, client.Delete(ctx, "accounts", "A1"), store.ErrNotFound)

	assert.Equal(t, int64(1), tokens.calls.Load(), "service token should be cached")
}

func TestClientQueryIsEvaluatedRemotely(t *testing.T) {
	backing := store.NewMemoryStore(records.KeySpec{"accounts": "accountid"})
	ctx := context.Background()
	for _, item := range []records.Record{
		{"accountid": "A1", "name": "O'Brien Partners", "revenue": 10},
		{"accountid": "A2", "name": "Globex", "revenue": 30},
		{"accountid": "A3", "name": "O'Brien and Sons", "revenue": 20},
	} {
		_, err := backing.Create(ctx, "accounts", item)
		require.NoError(t, err)
	}
	client, _ := newClient(t, backing)

	items, err := client.Query(ctx, "accounts", records.Query{
		Select:     []string{"accountid"},
		Filters:    []records.Filter{{Field: "name", Operator: records.OperatorContains, Value: "o'brien"}},
		OrderBy:    "revenue",
		Descending: true,
		Top:        5,
	})
	require.NoError(t, err)
	assert.Equal(t, []records.Record{{"accountid": "A3"}, {"accountid": "A1"}}, items)
}

func TestClientFollowsNextLinks(t *testing.T) {
	backing := store.NewMemoryStore(records.KeySpec{"accounts": "accountid"})
	ctx := context.Background()
	for index := 1; index <= 5; index++ {
		_, err := backing.Create(ctx, "accounts", records.Record{"accountid": fmt.Sprintf("A%d", index), "rank": index})
		require.NoError(t, err)
	}
	client, _ := newClient(t, backing, remotetest.WithPageSize(2))

	items, err := client.List(ctx, "accounts")
	require.NoError(t, err)
	assert.Len(t, items, 5)

	top, err := client.Query(ctx, "accounts", records.Query{Select: []string{"accountid"}, OrderBy: "rank", Top: 3})
	require.NoError(t, err)
	assert.Equal(t, []records.Record{{"accountid": "A1"}, {"accountid": "A2"}, {"accountid": "A3"}}, top)
}

func TestClientRejectsForeignNextLink(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[{"accountid":"A1"}],"next_link":"https://elsewhere.example.com/accounts?page=2"}`))
	}))
	t.Cleanup(server.Close)
	client, err := remote.New(remote.Config{BaseURL: server.URL, Tokens: &countingTokens{issuer: newIssuer(t)}})
	require.NoError(t, err)

	_, err = client.List(context.Background(), "accounts")
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

func TestClientMapsFailuresToStoreErrors(t *testing.T) {
	var status atomic.Int64
	status.Store(http.StatusServiceUnavailable)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))

	tokens := &countingTokens{issuer: newIssuer(t)}
	client, err := remote.New(remote.Config{BaseURL: server.URL, Tokens: tokens})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = client.Read(ctx, "accounts", "A1")
	assert.ErrorIs(t, err, store.ErrUnavailable)

	status.Store(http.StatusUnauthorized)
	_, err = client.Read(ctx, "accounts", "A1")
	assert.ErrorIs(t, err, store.ErrUnavailable)
	_, _ = client.Read(ctx, "accounts", "A1")
	assert.Equal(t, int64(2), tokens.calls.Load(), "unauthorized responses should drop the cached token")

	status.Store(http.StatusNotFound)
	_, err = client.Read(ctx, "accounts", "A1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	server.Close()
	_, err = client.List(ctx, "accounts")
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

func TestNewValidatesConfig(t *testing.T) {
	issuer := newIssuer(t)
	_, err := remote.New(remote.Config{Tokens: issuer})
	assert.Error(t, err)
	_, err = remote.New(remote.Config{BaseURL: "not a url", Tokens: issuer})
	assert.Error(t, err)
	_, err = remote.New(remote.Config{BaseURL: "https://records.example.com"})
	assert.Error(t, err)
}
