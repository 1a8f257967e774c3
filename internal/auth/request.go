package auth

import (
	"net/http"
	"strings"
)

const bearerPrefix = "bearer "

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(header string) (string, error) {
	trimmed := strings.TrimSpace(header)
	if len(trimmed) <= len(bearerPrefix) || !strings.EqualFold(trimmed[:len(bearerPrefix)], bearerPrefix) {
		return "", ErrMissingToken
	}
	token := strings.TrimSpace(trimmed[len(bearerPrefix):])
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

// ValidateRequest extracts the bearer token from the request and validates it.
// Browsers cannot set headers on websocket upgrades, so the access_token query
// parameter is accepted as a fallback.
func (i *TokenIssuer) ValidateRequest(r *http.Request) (string, error) {
	if r == nil {
		return "", ErrMissingToken
	}
	token, err := BearerToken(r.Header.Get("Authorization"))
	if err != nil {
		token = strings.TrimSpace(r.URL.Query().Get("access_token"))
		if token == "" {
			return "", ErrMissingToken
		}
	}
	return i.ValidateToken(token)
}
