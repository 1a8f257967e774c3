package ids

import (
	"errors"
	"testing"

	"github.com/google/uuid"
)

type failingProvider struct{}

func (failingProvider) NewID() (string, error) {
	return "", errors.New("entropy exhausted")
}

func TestUUIDProviderIssuesVersion7(t *testing.T) {
	value, err := NewUUIDProvider().NewID()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	parsed, err := uuid.Parse(value)
	if err != nil {
		t.Fatalf("expected parseable uuid: %v", err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("expected version 7, got %d", parsed.Version())
	}
}

func TestMustNewFallsBackWhenProviderFails(t *testing.T) {
	value := MustNew(failingProvider{})
	if _, err := uuid.Parse(value); err != nil {
		t.Fatalf("expected fallback uuid, got %q", value)
	}
	if MustNew(nil) == "" {
		t.Fatalf("expected identifier for nil provider")
	}
}
