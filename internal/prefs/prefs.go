// Package prefs is the typed preference store. It is passed by reference to
// whoever needs it; there is no package-level instance.
package prefs

import (
	"fmt"
	"sync"

	"github.com/leadwave/wpsync/internal/domain"
)

// WebhookConfirm controls whether the client asks before posting to a webhook.
type WebhookConfirm string

const (
	ConfirmAlways WebhookConfirm = "always"
	ConfirmNever  WebhookConfirm = "never"
	ConfirmAsk    WebhookConfirm = "ask"
)

// Valid reports whether w is a known value.
func (w WebhookConfirm) Valid() bool {
	return w == ConfirmAlways || w == ConfirmNever || w == ConfirmAsk
}

const (
	keyWebhookConfirm = "webhook_confirm"
	keyProvider       = "provider"
)

// Backend persists raw preference values.
type Backend interface {
	Preference(key string) (value string, found bool, err error)
	SetPreference(key, value string) error
}

// Store reads and writes preferences. Reads are served from memory after the
// first load; writes go through to the backend. Last write wins.
type Store struct {
	backend Backend

	mu    sync.RWMutex
	cache map[string]string
}

// New creates a store over backend.
func New(backend Backend) *Store {
	return &Store{backend: backend, cache: make(map[string]string)}
}

// Snapshot is every preference at once.
type Snapshot struct {
	WebhookConfirm WebhookConfirm  `json:"webhook_confirm"`
	Provider       domain.Provider `json:"provider"`
}

// Snapshot reads all preferences.
func (s *Store) Snapshot() (Snapshot, error) {
	w, err := s.WebhookConfirm()
	if err != nil {
		return Snapshot{}, err
	}
	p, err := s.Provider()
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{WebhookConfirm: w, Provider: p}, nil
}

// WebhookConfirm returns the webhook confirmation preference, ConfirmAsk if unset.
func (s *Store) WebhookConfirm() (WebhookConfirm, error) {
	v, err := s.get(keyWebhookConfirm)
	if err != nil {
		return ConfirmAsk, err
	}
	if w := WebhookConfirm(v); w.Valid() {
		return w, nil
	}
	return ConfirmAsk, nil
}

// SetWebhookConfirm stores the webhook confirmation preference.
func (s *Store) SetWebhookConfirm(w WebhookConfirm) error {
	if !w.Valid() {
		return fmt.Errorf("invalid webhook confirmation %q", w)
	}
	return s.set(keyWebhookConfirm, string(w))
}

// Provider returns the selected provider, domain.ProviderPairing if unset.
func (s *Store) Provider() (domain.Provider, error) {
	v, err := s.get(keyProvider)
	if err != nil {
		return domain.ProviderPairing, err
	}
	if p := domain.Provider(v); p.Valid() {
		return p, nil
	}
	return domain.ProviderPairing, nil
}

// SetProvider stores the selected provider.
func (s *Store) SetProvider(p domain.Provider) error {
	if !p.Valid() {
		return fmt.Errorf("invalid provider %q", p)
	}
	return s.set(keyProvider, string(p))
}

func (s *Store) get(key string) (string, error) {
	s.mu.RLock()
	v, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return v, nil
	}

	v, _, err := s.backend.Preference(key)
	if err != nil {
		return "", fmt.Errorf("read preference %s: %w", key, err)
	}
	s.mu.Lock()
	s.cache[key] = v
	s.mu.Unlock()
	return v, nil
}

func (s *Store) set(key, value string) error {
	if err := s.backend.SetPreference(key, value); err != nil {
		return fmt.Errorf("write preference %s: %w", key, err)
	}
	s.mu.Lock()
	s.cache[key] = value
	s.mu.Unlock()
	return nil
}
