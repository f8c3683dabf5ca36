package rpc

import (
	"github.com/leadwave/wpsync/internal/domain"
	"github.com/leadwave/wpsync/internal/prefs"
	"github.com/leadwave/wpsync/internal/provider"
	"github.com/leadwave/wpsync/internal/threads"
)

// Empty is the payload of calls that take or return nothing.
type Empty struct{}

// StatusReply describes the connection as the daemon sees it.
type StatusReply struct {
	State     string                  `json:"state"`
	Provider  domain.Provider         `json:"provider"`
	Phase     string                  `json:"phase"`
	Status    domain.ConnectionStatus `json:"status"`
	Pairing   *domain.PairingSession  `json:"pairing,omitempty"`
	LastError string                  `json:"last_error,omitempty"`
	Threads   int                     `json:"threads"`
	Unread    uint                    `json:"unread"`
	Active    string                  `json:"active_conversation,omitempty"`
}

// SwitchProviderRequest selects a provider.
type SwitchProviderRequest struct {
	Provider domain.Provider `json:"provider"`
}

// ListThreadsRequest filters the thread directory.
type ListThreadsRequest struct {
	Query    string           `json:"query,omitempty"`
	Category threads.Category `json:"category,omitempty"`
	// Refresh fetches the list from the backend before filtering.
	Refresh bool `json:"refresh,omitempty"`
}

// ThreadsReply is a filtered view of the directory.
type ThreadsReply struct {
	Threads []domain.Thread `json:"threads"`
	Counts  threads.Counts  `json:"counts"`
	Unread  uint            `json:"unread"`
}

// RemoveThreadRequest addresses a thread by id.
type RemoveThreadRequest struct {
	ID int64 `json:"id"`
}

// ConversationRequest addresses a conversation by key.
type ConversationRequest struct {
	Key string `json:"key"`
	// Refresh fetches the message list before replying.
	Refresh bool `json:"refresh,omitempty"`
}

// ConversationReply is the state of the open conversation.
type ConversationReply struct {
	Key        string           `json:"key"`
	Messages   []domain.Message `json:"messages"`
	Loaded     bool             `json:"loaded"`
	Sending    bool             `json:"sending"`
	Automation AutomationReply  `json:"automation"`
}

// SendRequest sends a message in a conversation.
type SendRequest struct {
	Key        string               `json:"key"`
	Text       string               `json:"text,omitempty"`
	Attachment *provider.Attachment `json:"attachment,omitempty"`
	// Wait blocks until the send is confirmed or fails.
	Wait bool `json:"wait,omitempty"`
}

// ResendRequest retries a failed message.
type ResendRequest struct {
	Key  string `json:"key"`
	ID   int64  `json:"id"`
	Wait bool   `json:"wait,omitempty"`
}

// SendReply carries the provisional message and, for waiting sends, the
// outcome.
type SendReply struct {
	Message   domain.Message `json:"message"`
	Confirmed bool           `json:"confirmed,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// AutomationRequest reads the flag, or sets it when Active is given.
type AutomationRequest struct {
	Key    string `json:"key"`
	Active *bool  `json:"active,omitempty"`
}

// AutomationReply is a flag value.
type AutomationReply struct {
	State     string `json:"state"`
	Active    bool   `json:"active"`
	Confirmed bool   `json:"confirmed"`
}

// WebhookConfirmRequest sets the webhook confirmation preference.
type WebhookConfirmRequest struct {
	Value string `json:"value"`
}

// Preferences is the reply of the preference calls.
type Preferences = prefs.Snapshot

// WatchRequest subscribes to bus events whose kind starts with Prefix.
type WatchRequest struct {
	Prefix string `json:"prefix,omitempty"`
}

// Event is one bus event as streamed by Watch.
type Event struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	AtMs    int64  `json:"at_ms"`
	Payload any    `json:"payload,omitempty"`
}
