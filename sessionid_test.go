package tileacq

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestDefaultSessionIDProviderStable(t *testing.T) {
	t.Setenv("HOSTNAME", "Scope Room")
	p := NewDefaultSessionIDProvider(WithSessionPrefix("Lab"))

	first, err := p.SessionID()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := p.SessionID()
	if err != nil {
		t.Fatalf("unexpected error on second call: %v", err)
	}
	if first != second {
		t.Fatalf("session id changed: %q vs %q", first, second)
	}
	if !strings.HasPrefix(first, "lab-scope-room-") {
		t.Fatalf("unexpected session id %q", first)
	}
	if _, err := uuid.Parse(strings.TrimPrefix(first, "lab-scope-room-")); err != nil {
		t.Fatalf("expected uuid suffix in %q: %v", first, err)
	}
}

func TestSessionIDWithoutHostname(t *testing.T) {
	p := NewDefaultSessionIDProvider(WithoutHostname())
	id, err := p.SessionID()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("expected bare uuid, got %q", id)
	}
}
