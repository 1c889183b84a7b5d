package tileacq

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// SessionIDProvider returns the identifier a session is registered under.
type SessionIDProvider interface {
	SessionID() (string, error)
}

// DefaultSessionIDProvider builds session IDs from the host name and a UUID.
type DefaultSessionIDProvider struct {
	prefix   string
	withHost bool

	once sync.Once
	id   string
	err  error
}

// DefaultSessionIDOption mutates DefaultSessionIDProvider construction.
type DefaultSessionIDOption func(*DefaultSessionIDProvider)

// WithSessionPrefix adds a prefix to session IDs (instrument or lab name).
func WithSessionPrefix(prefix string) DefaultSessionIDOption {
	return func(p *DefaultSessionIDProvider) {
		p.prefix = prefix
	}
}

// WithoutHostname drops the host name component.
func WithoutHostname() DefaultSessionIDOption {
	return func(p *DefaultSessionIDProvider) {
		p.withHost = false
	}
}

// NewDefaultSessionIDProvider constructs a provider using environment hints.
func NewDefaultSessionIDProvider(opts ...DefaultSessionIDOption) *DefaultSessionIDProvider {
	p := &DefaultSessionIDProvider{
		withHost: true,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SessionID returns an ID that is stable for the provider's lifetime.
func (p *DefaultSessionIDProvider) SessionID() (string, error) {
	p.once.Do(func() {
		parts := []string{}
		if p.prefix != "" {
			parts = append(parts, sanitize(p.prefix))
		}
		if p.withHost {
			host := firstNonEmpty(os.Getenv("HOSTNAME"), readHostname())
			if host == "" {
				p.err = fmt.Errorf("no hostname or env var found for session id")
				return
			}
			parts = append(parts, sanitize(host))
		}
		id, err := uuid.NewRandom()
		if err != nil {
			p.err = fmt.Errorf("generate session uuid: %w", err)
			return
		}
		parts = append(parts, id.String())
		p.id = strings.Join(parts, "-")
	})
	return p.id, p.err
}

type staticSessionID string

func (s staticSessionID) SessionID() (string, error) { return string(s), nil }

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func readHostname() string {
	h, _ := os.Hostname()
	return h
}

func sanitize(s string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), " ", "-"))
}
