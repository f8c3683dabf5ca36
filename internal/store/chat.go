package store

import (
	"database/sql"
	"fmt"
	"time"
)

const chatColumns = `c.id, c.jid,
	COALESCE(NULLIF(c.name,''), NULLIF(ct.push_name,''), NULLIF(ct.name,''), c.jid) AS display_name,
	c.is_group, c.unread_count, c.last_message_at, c.last_message_preview, c.closed`

type scanner interface {
	Scan(dest ...any) error
}

func scanChat(s scanner) (Chat, error) {
	var c Chat
	err := s.Scan(&c.ID, &c.JID, &c.Name, &c.IsGroup, &c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview, &c.Closed)
	return c, err
}

// UpsertChat inserts or updates a chat record. The closed flag is left as is.
func (db *DB) UpsertChat(c *Chat) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO chats (jid, name, is_group, unread_count, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE chats.name END,
			is_group = excluded.is_group,
			unread_count = excluded.unread_count,
			last_message_at = excluded.last_message_at,
			last_message_preview = excluded.last_message_preview,
			updated_at = excluded.updated_at`,
		c.JID, c.Name, c.IsGroup, c.UnreadCount, c.LastMessageAt, c.LastMessagePreview, now)
	return err
}

// TouchChat records a message in a chat: the preview follows the newest
// message, incoming messages raise the unread count and a soft-deleted chat
// reappears.
func (db *DB) TouchChat(jid string, ts int64, preview string, incoming bool) error {
	return touchChat(db.DB, jid, ts, preview, incoming)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func touchChat(x execer, jid string, ts int64, preview string, incoming bool) error {
	unread := 0
	if incoming {
		unread = 1
	}
	_, err := x.Exec(`
		INSERT INTO chats (jid, unread_count, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET
			unread_count = CASE WHEN excluded.last_message_at > chats.last_message_at
				THEN chats.unread_count + excluded.unread_count ELSE chats.unread_count END,
			last_message_preview = CASE WHEN excluded.last_message_at >= chats.last_message_at
				THEN excluded.last_message_preview ELSE chats.last_message_preview END,
			last_message_at = MAX(chats.last_message_at, excluded.last_message_at),
			deleted = CASE WHEN excluded.last_message_at > chats.last_message_at THEN 0 ELSE chats.deleted END,
			updated_at = excluded.updated_at`,
		jid, unread, ts, preview, time.Now().UnixMilli())
	return err
}

// ListChats returns visible chats sorted by last message timestamp descending.
// Names are resolved via LEFT JOIN to contacts table with fallback:
// chat.name -> contact.push_name -> contact.name -> chat.jid
func (db *DB) ListChats(limit, offset int) ([]Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT `+chatColumns+`
		FROM chats c
		LEFT JOIN contacts ct ON c.jid = ct.jid
		WHERE c.deleted = 0 AND c.jid NOT LIKE '%@lid'
		ORDER BY c.last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// GetChat returns a single chat by JID, or nil if it does not exist.
func (db *DB) GetChat(jid string) (*Chat, error) {
	c, err := scanChat(db.QueryRow(`
		SELECT `+chatColumns+`
		FROM chats c
		LEFT JOIN contacts ct ON c.jid = ct.jid
		WHERE c.jid = ?`, jid))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SoftDeleteChat hides a chat from ListChats until a newer message arrives.
func (db *DB) SoftDeleteChat(id int64) error {
	res, err := db.Exec(`UPDATE chats SET deleted = 1, updated_at = ? WHERE id = ? AND deleted = 0`, time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("chat %d: %w", id, ErrNotFound)
	}
	return nil
}

// MarkChatRead resets the unread count.
func (db *DB) MarkChatRead(jid string) error {
	_, err := db.Exec(`UPDATE chats SET unread_count = 0, updated_at = ? WHERE jid = ?`, time.Now().UnixMilli(), jid)
	return err
}

// SetChatClosed marks a chat closed (archived) or open.
func (db *DB) SetChatClosed(jid string, closed bool) error {
	_, err := db.Exec(`
		INSERT INTO chats (jid, closed, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET closed = excluded.closed, updated_at = excluded.updated_at`,
		jid, closed, time.Now().UnixMilli())
	return err
}

// ChatCount returns the number of chats ListChats can show.
func (db *DB) ChatCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM chats WHERE deleted = 0 AND jid NOT LIKE '%@lid'`).Scan(&count)
	return count, err
}
