// Package provider defines the remote messaging-provider contract consumed by
// the sync core. Implementations live in the rest and direct subpackages.
package provider

import (
	"context"
	"errors"

	"github.com/leadwave/wpsync/internal/domain"
)

var (
	// ErrUnsupported is returned when a backend cannot perform the operation
	// (for example a provider kind it does not implement).
	ErrUnsupported = errors.New("operation not supported by backend")

	// ErrNotFound is returned when the addressed conversation does not exist.
	ErrNotFound = errors.New("not found")
)

// PairingToken is the result of a pairing-token fetch. Either Token is set or
// AlreadyConnected is true; both empty means no token is available yet.
type PairingToken struct {
	Token            string
	AlreadyConnected bool
}

// Attachment is media sent along with, or instead of, text.
type Attachment struct {
	Type     domain.MessageType `json:"type"`
	URL      string             `json:"url"`
	Filename string             `json:"filename,omitempty"`
	MimeType string             `json:"mime_type,omitempty"`
}

// Outgoing is the payload of a send request.
type Outgoing struct {
	Text       string      `json:"text,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// Empty reports whether there is nothing to send.
func (o Outgoing) Empty() bool {
	return o.Text == "" && o.Attachment == nil
}

// StatusSource reports connection status and drives the provider session.
type StatusSource interface {
	Status(ctx context.Context) (domain.ConnectionStatus, error)
	PairingToken(ctx context.Context) (PairingToken, error)
	Start(ctx context.Context, p domain.Provider) error
	Disconnect(ctx context.Context) error
}

// ThreadSource lists and removes conversations.
type ThreadSource interface {
	Threads(ctx context.Context) ([]domain.Thread, error)
	RemoveThread(ctx context.Context, id int64) error
}

// MessageSource fetches and sends messages for one conversation.
type MessageSource interface {
	// Messages returns the full list ordered oldest to newest.
	Messages(ctx context.Context, key string) ([]domain.Message, error)
	SendMessage(ctx context.Context, key string, out Outgoing) error
}

// FlagSource reads and writes the per-conversation automation flag.
type FlagSource interface {
	AutomationFlag(ctx context.Context, key string) (bool, error)
	SetAutomationFlag(ctx context.Context, key string, active bool) error
}

// Backend is the full remote API.
type Backend interface {
	StatusSource
	ThreadSource
	MessageSource
	FlagSource
}
