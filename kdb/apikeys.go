package kdb

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	"github.com/koracle-dev/koracle/internal/utils"
	"lukechampine.com/frand"
)

// ErrKeyNotFound is returned when no API key matches.
var ErrKeyNotFound = errors.New("api key not found")

// keyPrefix marks oracle-issued API keys.
const keyPrefix = "ko_"

// HashKey returns the one-way hash under which a key secret is stored.
func HashKey(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(sum[:])
}

// CreateAPIKey issues a new API key. The plaintext secret is returned
// exactly once and never stored.
func (s *Store) CreateAPIKey(name string, tier Tier, perMinute, perDay int, expiresAt time.Time) (plain string, key APIKey, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	secret := frand.Bytes(32)
	plain = keyPrefix + hex.EncodeToString(secret)
	if perMinute <= 0 || perDay <= 0 {
		perMinute, perDay = tier.Limits()
	}

	key = APIKey{
		KeyHash:   HashKey(plain),
		Name:      name,
		Tier:      tier,
		PerMinute: perMinute,
		PerDay:    perDay,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: expiresAt,
	}

	res, err := s.db.Exec(`
		INSERT INTO api_keys (key_hash, name, tier, per_minute, per_day, is_active, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)
	`, key.KeyHash, key.Name, string(key.Tier), key.PerMinute, key.PerDay, key.CreatedAt.Unix(), unixOrZero(key.ExpiresAt))
	if err != nil {
		return "", APIKey{}, utils.AddContext(err, "couldn't create api key")
	}
	key.ID, err = res.LastInsertId()
	if err != nil {
		return "", APIKey{}, utils.AddContext(err, "couldn't read key id")
	}
	return plain, key, nil
}

// ValidateAPIKey resolves a plaintext key via its hash. Inactive and
// expired keys do not resolve.
func (s *Store) ValidateAPIKey(plain string) (APIKey, error) {
	key, err := s.apiKeyByHash(HashKey(plain))
	if err != nil {
		return APIKey{}, err
	}
	if !key.IsActive || key.Expired(time.Now()) {
		return APIKey{}, ErrKeyNotFound
	}
	return key, nil
}

func (s *Store) apiKeyByHash(hash string) (APIKey, error) {
	row := s.db.QueryRow(`
		SELECT id, key_hash, name, tier, per_minute, per_day, is_active, created_at, expires_at, last_used_at
		FROM api_keys
		WHERE key_hash = ?
	`, hash)
	key, err := scanAPIKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return APIKey{}, ErrKeyNotFound
	}
	if err != nil {
		return APIKey{}, utils.AddContext(err, "couldn't load api key")
	}
	return key, nil
}

// APIKeys lists all issued keys.
func (s *Store) APIKeys() ([]APIKey, error) {
	rows, err := s.db.Query(`
		SELECT id, key_hash, name, tier, per_minute, per_day, is_active, created_at, expires_at, last_used_at
		FROM api_keys
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, utils.AddContext(err, "couldn't query api keys")
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, utils.AddContext(err, "couldn't scan api key")
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// SetAPIKeyActive enables or disables a key.
func (s *Store) SetAPIKeyActive(id int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE api_keys
		SET is_active = ?
		WHERE id = ?
	`, active, id)
	if err != nil {
		return utils.AddContext(err, "couldn't update api key")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// DeleteAPIKey removes a key.
func (s *Store) DeleteAPIKey(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM api_keys WHERE id = ?`, id)
	if err != nil {
		return utils.AddContext(err, "couldn't delete api key")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// TouchAPIKey stamps the key's last use.
func (s *Store) TouchAPIKey(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE api_keys
		SET last_used_at = ?
		WHERE id = ?
	`, time.Now().Unix(), id)
	return utils.AddContext(err, "couldn't touch api key")
}

// IncrementUsage bumps the daily request counter of a key. Dates are
// YYYYMMDD in UTC.
func (s *Store) IncrementUsage(keyID int64, date string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO usage_daily (key_id, date, requests)
		VALUES (?, ?, 1)
		ON CONFLICT (key_id, date) DO UPDATE SET requests = requests + 1
	`, keyID, date)
	return utils.AddContext(err, "couldn't increment usage")
}

// Usage returns the daily request counts of a key over the last N
// days, newest first.
func (s *Store) Usage(keyID int64, days int) ([]UsageDay, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format("20060102")
	rows, err := s.db.Query(`
		SELECT key_id, date, requests
		FROM usage_daily
		WHERE key_id = ? AND date >= ?
		ORDER BY date DESC
	`, keyID, cutoff)
	if err != nil {
		return nil, utils.AddContext(err, "couldn't query usage")
	}
	defer rows.Close()

	var usage []UsageDay
	for rows.Next() {
		var u UsageDay
		if err := rows.Scan(&u.KeyID, &u.Date, &u.Requests); err != nil {
			return nil, utils.AddContext(err, "couldn't scan usage")
		}
		usage = append(usage, u)
	}
	return usage, rows.Err()
}

func scanAPIKey(row interface{ Scan(...any) error }) (APIKey, error) {
	var key APIKey
	var tier string
	var created, expires, lastUsed int64
	err := row.Scan(
		&key.ID, &key.KeyHash, &key.Name, &tier, &key.PerMinute, &key.PerDay,
		&key.IsActive, &created, &expires, &lastUsed,
	)
	if err != nil {
		return APIKey{}, err
	}
	key.Tier = Tier(tier)
	key.CreatedAt = timeOrZero(created)
	key.ExpiresAt = timeOrZero(expires)
	key.LastUsedAt = timeOrZero(lastUsed)
	return key, nil
}
