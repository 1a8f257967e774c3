// Package ids issues identifiers for changes, conflicts and audit events.
package ids

import "github.com/google/uuid"

// Provider issues unique identifiers.
type Provider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs a Provider that issues UUIDv7 identifiers.
func NewUUIDProvider() Provider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// MustNew returns an identifier from the provider, falling back to a random UUIDv4.
func MustNew(provider Provider) string {
	if provider != nil {
		if value, err := provider.NewID(); err == nil && value != "" {
			return value
		}
	}
	return uuid.NewString()
}
