// Package remote talks to the authoritative system of record over its REST API.
// Credentials are minted and cached internally; callers only see store.Store.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/twinsync/internal/records"
	"github.com/MarcoPoloResearchLab/twinsync/internal/store"
	"go.uber.org/zap"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultSubject     = "twinsync"
	tokenRefreshMargin = 30 * time.Second
	maxErrorBodyBytes  = 4096
	maxListPages       = 10000

	opRequest = "remote.request"
	opToken   = "remote.token"

	headerAuthorization = "Authorization"
	headerContentType   = "Content-Type"
	headerAccept        = "Accept"
	contentTypeJSON     = "application/json"
)

var (
	errMissingBaseURL = errors.New("remote: base url is required")
	errMissingTokens  = errors.New("remote: token source is required")
	errPageLimit      = errors.New("remote: too many list pages")
)

// TokenSource mints bearer tokens for service calls.
type TokenSource interface {
	IssueToken(ctx context.Context, subject string) (string, int64, error)
}

// Config describes how to reach the remote side.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Tokens     TokenSource
	Subject    string
	Timeout    time.Duration
	Keys       records.KeySpec
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Client implements store.Store against the remote REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	tokens     TokenSource
	subject    string
	keys       records.KeySpec
	clock      func() time.Time
	logger     *zap.Logger

	tokenMu   sync.Mutex
	token     string
	expiresAt time.Time
}

// listEnvelope is one page of a list response. NextLink, when set, addresses the
// following page and may be relative to the page just read.
type listEnvelope struct {
	Items    []records.Record `json:"items"`
	NextLink string           `json:"next_link,omitempty"`
}

// New constructs a remote Client.
func New(cfg Config) (*Client, error) {
	rawURL := strings.TrimSpace(cfg.BaseURL)
	if rawURL == "" {
		return nil, errMissingBaseURL
	}
	parsed, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("remote: invalid base url %q", rawURL)
	}
	if cfg.Tokens == nil {
		return nil, errMissingTokens
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	subject := strings.TrimSpace(cfg.Subject)
	if subject == "" {
		subject = defaultSubject
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    parsed,
		httpClient: httpClient,
		tokens:     cfg.Tokens,
		subject:    subject,
		keys:       cfg.Keys,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Create posts a new record and returns the stored representation.
func (c *Client) Create(ctx context.Context, collection string, record records.Record) (records.Record, error) {
	name, err := records.ValidateCollection(collection)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidRecord, err)
	}
	created := records.Record{}
	if err := c.do(ctx, http.MethodPost, c.endpoint(name), nil, record, &created); err != nil {
		return nil, err
	}
	if len(created) == 0 {
		return record.Clone(), nil
	}
	return created, nil
}

// Read fetches a single record.
func (c *Client) Read(ctx context.Context, collection, id string) (records.Record, error) {
	item := records.Record{}
	if err := c.do(ctx, http.MethodGet, c.endpoint(collection, id), nil, nil, &item); err != nil {
		return nil, err
	}
	return item, nil
}

// List fetches every record of the collection.
func (c *Client) List(ctx context.Context, collection string) ([]records.Record, error) {
	return c.Query(ctx, collection, records.Query{})
}

// Update patches the record; nil values are sent as JSON null and clear the field.
func (c *Client) Update(ctx context.Context, collection, id string, partial records.Record) error {
	payload := partial.Clone()
	delete(payload, c.keys.Field(collection))
	return c.do(ctx, http.MethodPatch, c.endpoint(collection, id), nil, payload, nil)
}

// Delete removes the record.
func (c *Client) Delete(ctx context.Context, collection, id string) error {
	return c.do(ctx, http.MethodDelete, c.endpoint(collection, id), nil, nil, nil)
}

// Query evaluates the query on the remote side, following next links until the
// last page or until Top records have been collected.
func (c *Client) Query(ctx context.Context, collection string, query records.Query) ([]records.Record, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}
	current := c.endpoint(collection)
	if params := EncodeQuery(query); len(params) > 0 {
		current += "?" + params.Encode()
	}
	collected := make([]records.Record, 0)
	for page := 0; ; page++ {
		if page >= maxListPages {
			c.logError(opRequest, "page_limit", errPageLimit, zap.String("collection", collection))
			return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, errPageLimit)
		}
		envelope := listEnvelope{}
		if err := c.do(ctx, http.MethodGet, current, nil, nil, &envelope); err != nil {
			return nil, err
		}
		collected = append(collected, envelope.Items...)
		if envelope.NextLink == "" || (query.Top > 0 && len(collected) >= query.Top) {
			break
		}
		next, err := c.nextPage(current, envelope.NextLink)
		if err != nil {
			c.logError(opRequest, "next_link", err, zap.String("collection", collection))
			return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
		}
		current = next
	}
	if query.Top > 0 && len(collected) > query.Top {
		collected = collected[:query.Top]
	}
	return collected, nil
}

// nextPage resolves a next link against the page it came from. Links that leave
// the remote host or point back at the same page are rejected.
func (c *Client) nextPage(current, link string) (string, error) {
	base, err := url.Parse(current)
	if err != nil {
		return "", err
	}
	reference, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("next link %q: %w", link, err)
	}
	resolved := base.ResolveReference(reference)
	if resolved.Scheme != c.baseURL.Scheme || resolved.Host != c.baseURL.Host {
		return "", fmt.Errorf("next link %q leaves %s", link, c.baseURL.Host)
	}
	next := resolved.String()
	if next == current {
		return "", fmt.Errorf("next link %q repeats the current page", link)
	}
	return next, nil
}

func (c *Client) endpoint(segments ...string) string {
	escaped := make([]string, 0, len(segments)+1)
	escaped = append(escaped, c.baseURL.String())
	for _, segment := range segments {
		escaped = append(escaped, url.PathEscape(segment))
	}
	return strings.Join(escaped, "/")
}

func (c *Client) do(ctx context.Context, method, endpoint string, params url.Values, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: %v", store.ErrInvalidRecord, err)
		}
		reader = bytes.NewReader(encoded)
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	request, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	token, err := c.bearer(ctx)
	if err != nil {
		return err
	}
	request.Header.Set(headerAuthorization, "Bearer "+token)
	request.Header.Set(headerAccept, contentTypeJSON)
	if body != nil {
		request.Header.Set(headerContentType, contentTypeJSON)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.logError(opRequest, "transport", err, zap.String("method", method), zap.String("url", endpoint))
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	defer response.Body.Close()

	if response.StatusCode >= http.StatusOK && response.StatusCode < http.StatusMultipleChoices {
		if out == nil || response.StatusCode == http.StatusNoContent {
			_, _ = io.Copy(io.Discard, response.Body)
			return nil
		}
		if err := json.NewDecoder(response.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			c.logError(opRequest, "decode", err, zap.String("method", method), zap.String("url", endpoint))
			return fmt.Errorf("%w: decode response: %v", store.ErrUnavailable, err)
		}
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
	statusErr := fmt.Errorf("%s %s: status %d: %s", method, request.URL.Path, response.StatusCode, strings.TrimSpace(string(detail)))
	switch response.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %v", store.ErrNotFound, statusErr)
	case http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %v", store.ErrInvalidRecord, statusErr)
	case http.StatusUnauthorized, http.StatusForbidden:
		c.invalidateToken()
	}
	c.logError(opRequest, "status", statusErr, zap.Int("status", response.StatusCode))
	return fmt.Errorf("%w: %v", store.ErrUnavailable, statusErr)
}

func (c *Client) bearer(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	now := c.clock()
	if c.token != "" && now.Add(tokenRefreshMargin).Before(c.expiresAt) {
		return c.token, nil
	}
	token, expiresIn, err := c.tokens.IssueToken(ctx, c.subject)
	if err != nil {
		c.logError(opToken, "issue", err)
		return "", fmt.Errorf("%w: service token: %v", store.ErrUnavailable, err)
	}
	c.token = token
	c.expiresAt = now.Add(time.Duration(expiresIn) * time.Second)
	return token, nil
}

func (c *Client) invalidateToken() {
	c.tokenMu.Lock()
	c.token = ""
	c.expiresAt = time.Time{}
	c.tokenMu.Unlock()
}

func (c *Client) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	c.logger.Error("remote store error", attrs...)
}
