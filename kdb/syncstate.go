package kdb

import (
	"database/sql"
	"errors"

	"github.com/koracle-dev/koracle/internal/utils"
)

// Well-known sync state keys.
const (
	SyncKeyLastFullSync    = "last_full_sync"
	SyncKeyOneUSDThreshold = "one_usd_threshold"
	SyncKeyTokenPrice      = "token_price"
)

// SyncValue returns the stored value for a sync state key, or ""
// when unset.
func (s *Store) SyncValue(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`
		SELECT value
		FROM sync_state
		WHERE key = ?
	`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, utils.AddContext(err, "couldn't read sync state")
}

// SetSyncValue stores a sync state value.
func (s *Store) SetSyncValue(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO sync_state (key, value)
		VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, value)
	return utils.AddContext(err, "couldn't write sync state")
}
