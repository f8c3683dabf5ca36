// Package domain holds the value types shared by the sync core.
package domain

import "time"

// Provider selects the delivery channel used for a tenant.
type Provider string

const (
	// ProviderPairing authenticates a linked device by scanning a QR/pairing token.
	ProviderPairing Provider = "pairing"
	// ProviderCloudAPI authenticates through a managed business account; no pairing step.
	ProviderCloudAPI Provider = "cloud_api"
)

// Valid reports whether p names a known provider.
func (p Provider) Valid() bool {
	return p == ProviderPairing || p == ProviderCloudAPI
}

// ConnectionStatus is the provider status reported by one status poll.
// It is recomputed on every poll and never persisted.
type ConnectionStatus struct {
	Provider   Provider `json:"provider"`
	Connected  bool     `json:"connected"`
	Ready      bool     `json:"ready"`
	Configured bool     `json:"configured"`
	QRRequired bool     `json:"qr_required"`
}

// Usable reports whether threads and messages can be fetched.
func (s ConnectionStatus) Usable() bool {
	return s.Connected && s.Ready
}

// PairingSession is the token currently shown to the user for scanning.
type PairingSession struct {
	Token    string    `json:"token"`
	IssuedAt time.Time `json:"issued_at"`
}

// Thread is one conversation in the directory. LastMessageAt is in Unix
// milliseconds.
type Thread struct {
	ID                 int64   `json:"id"`
	Key                string  `json:"key"`
	DisplayName        string  `json:"display_name"`
	Phone              string  `json:"phone"`
	LastMessagePreview string  `json:"last_message_preview"`
	UnreadCount        uint    `json:"unread_count"`
	IsClosed           bool    `json:"is_closed"`
	Summary            *string `json:"summary,omitempty"`
	LastMessageAt      int64   `json:"last_message_at"`
}

// ConversationKey returns the key used to address the thread's messages.
func (t Thread) ConversationKey() string {
	if t.Key != "" {
		return t.Key
	}
	return t.Phone
}
