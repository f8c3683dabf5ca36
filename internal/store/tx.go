package store

import "fmt"

// IngestBatch upserts messages and touches their chats in one transaction.
func (db *DB) IngestBatch(msgs []*Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range msgs {
		if err := touchChat(tx, m.ChatJID, m.Timestamp, Preview(m), false); err != nil {
			return fmt.Errorf("upsert chat in batch: %w", err)
		}
		if err := upsertMessage(tx, m); err != nil {
			return fmt.Errorf("upsert message in batch: %w", err)
		}
	}
	return tx.Commit()
}

// Preview is the chat-list preview of a message.
func Preview(m *Message) string {
	body := m.Body
	if body == "" && m.MessageType != "" && m.MessageType != "text" {
		body = "[" + m.MessageType + "]"
	}
	if r := []rune(body); len(r) > 100 {
		body = string(r[:100])
	}
	return body
}
