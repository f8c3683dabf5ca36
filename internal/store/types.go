package store

import "errors"

// ErrNotFound is returned when an addressed row does not exist.
var ErrNotFound = errors.New("not found")

// Chat represents a synced chat.
type Chat struct {
	ID                 int64
	JID                string
	Name               string
	IsGroup            bool
	UnreadCount        int
	LastMessageAt      int64
	LastMessagePreview string
	Closed             bool
}

// Contact represents a synced contact.
type Contact struct {
	JID      string
	Name     string
	PushName string
}

// Message represents a synced message. Status follows domain.MessageStatus.
type Message struct {
	ID          int64
	ChatJID     string
	MsgID       string
	SenderJID   string
	SenderName  string
	Body        string
	MessageType string
	MediaRef    string
	FromMe      bool
	Source      string
	Status      string
	Timestamp   int64
}
