package domain

import "time"

// Direction tells whether a message was received or sent.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// MessageStatus is the delivery status of a message.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// Rank orders statuses along pending < sent < delivered < read.
// Failed and unknown statuses rank -1.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return -1
	}
}

// Advance returns the status that should be shown after observing next while
// s was shown. Status never moves backwards and failed is terminal.
func (s MessageStatus) Advance(next MessageStatus) MessageStatus {
	if s == StatusFailed || next == StatusFailed {
		return StatusFailed
	}
	if next.Rank() < s.Rank() {
		return s
	}
	return next
}

// MessageType is the content kind of a message.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeAudio    MessageType = "audio"
	TypeDocument MessageType = "document"
	TypeVideo    MessageType = "video"
)

// Source tells who authored an outbound message.
type Source string

const (
	SourceHuman      Source = "human"
	SourceAutomation Source = "automation"
	SourceSystem     Source = "system"
)

// Message is one entry in a conversation. Negative IDs are provisional,
// assigned locally before the provider confirms the send.
type Message struct {
	ID        int64         `json:"id"`
	Body      string        `json:"body"`
	Direction Direction     `json:"direction"`
	Status    MessageStatus `json:"status"`
	Type      MessageType   `json:"message_type"`
	MediaRef  *string       `json:"media_ref,omitempty"`
	Source    Source        `json:"source"`
	CreatedAt time.Time     `json:"created_at"`
}

// Provisional reports whether the message has not been confirmed yet.
func (m Message) Provisional() bool {
	return m.ID < 0
}

// Media returns the media reference or the empty string.
func (m Message) Media() string {
	if m.MediaRef == nil {
		return ""
	}
	return *m.MediaRef
}
