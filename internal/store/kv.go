package store

import (
	"database/sql"
	"time"
)

// Preference returns a stored preference. found is false when unset.
func (db *DB) Preference(key string) (value string, found bool, err error) {
	return db.get("preferences", key)
}

// SetPreference stores a preference.
func (db *DB) SetPreference(key, value string) error {
	return db.set("preferences", key, value)
}

// Checkpoint returns a sync checkpoint value. found is false when unset.
func (db *DB) Checkpoint(key string) (value string, found bool, err error) {
	return db.get("sync_state", key)
}

// SetCheckpoint stores a sync checkpoint value.
func (db *DB) SetCheckpoint(key, value string) error {
	return db.set("sync_state", key, value)
}

// table is one of the fixed key/value table names above, never user input.
func (db *DB) get(table, key string) (string, bool, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM `+table+` WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (db *DB) set(table, key, value string) error {
	_, err := db.Exec(`
		INSERT INTO `+table+` (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}
