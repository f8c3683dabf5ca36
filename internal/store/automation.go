package store

import (
	"database/sql"
	"time"
)

// AutomationFlag returns the stored responder flag for a chat. found is false
// when the flag was never set.
func (db *DB) AutomationFlag(chatJID string) (active, found bool, err error) {
	err = db.QueryRow(`SELECT active FROM automation_flags WHERE chat_jid = ?`, chatJID).Scan(&active)
	if err == sql.ErrNoRows {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return active, true, nil
}

// SetAutomationFlag stores the responder flag for a chat.
func (db *DB) SetAutomationFlag(chatJID string, active bool) error {
	_, err := db.Exec(`
		INSERT INTO automation_flags (chat_jid, active, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(chat_jid) DO UPDATE SET active = excluded.active, updated_at = excluded.updated_at`,
		chatJID, active, time.Now().UnixMilli())
	return err
}
