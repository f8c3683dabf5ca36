package store

import (
	"fmt"
	"strings"
	"time"
)

// statusRank orders delivery statuses in SQL the same way domain.MessageStatus.Rank does.
func statusRank(col string) string {
	return "(CASE " + col + " WHEN 'pending' THEN 0 WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE -1 END)"
}

// advancedStatus is the SQL for moving the stored status to next without regressing.
var advancedStatus = `CASE
	WHEN messages.status = 'failed' OR excluded.status = 'failed' THEN 'failed'
	WHEN ` + statusRank("excluded.status") + ` < ` + statusRank("messages.status") + ` THEN messages.status
	ELSE excluded.status END`

// UpsertMessage inserts or updates a message (idempotent on chat_jid + msg_id).
// The stored status never moves backwards.
func (db *DB) UpsertMessage(m *Message) error {
	return upsertMessage(db.DB, m)
}

func upsertMessage(x execer, m *Message) error {
	now := time.Now().UnixMilli()
	source := m.Source
	if source == "" {
		source = "human"
	}
	var media any
	if m.MediaRef != "" {
		media = m.MediaRef
	}
	_, err := x.Exec(`
		INSERT INTO messages (chat_jid, msg_id, sender_jid, sender_name, body, message_type, media_ref, from_me, source, status, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_jid, msg_id) DO UPDATE SET
			sender_name = CASE WHEN excluded.sender_name != '' THEN excluded.sender_name ELSE messages.sender_name END,
			body = excluded.body,
			media_ref = COALESCE(excluded.media_ref, messages.media_ref),
			status = `+advancedStatus,
		m.ChatJID, m.MsgID, m.SenderJID, m.SenderName, m.Body, m.MessageType, media, m.FromMe, source, m.Status, m.Timestamp, now)
	return err
}

// AdvanceMessageStatus moves the status of the given messages forward to
// status. Messages already at or past it are left untouched. It returns the
// number of rows changed.
func (db *DB) AdvanceMessageStatus(chatJID string, msgIDs []string, status string) (int64, error) {
	if len(msgIDs) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(msgIDs)), ",")
	args := []any{status, chatJID}
	for _, id := range msgIDs {
		args = append(args, id)
	}
	args = append(args, status)

	res, err := db.Exec(`
		UPDATE messages SET status = ?
		WHERE chat_jid = ? AND msg_id IN (`+placeholders+`)
			AND status != 'failed'
			AND `+statusRank("status")+` < `+statusRank("?"),
		args...)
	if err != nil {
		return 0, fmt.Errorf("advance status: %w", err)
	}
	return res.RowsAffected()
}

// ListMessages returns up to limit messages of a chat older than beforeTs,
// ordered oldest to newest. A non-positive beforeTs means "now".
func (db *DB) ListMessages(chatJID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, chat_jid, msg_id, sender_jid, sender_name, body, message_type, COALESCE(media_ref, ''), from_me, source, status, timestamp
		FROM messages
		WHERE chat_jid = ? AND timestamp < ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, chatJID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatJID, &m.MsgID, &m.SenderJID, &m.SenderName, &m.Body, &m.MessageType, &m.MediaRef, &m.FromMe, &m.Source, &m.Status, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// MessageCount returns the total number of messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}
