package kdb

import (
	"database/sql"
	"errors"
	"time"

	"github.com/koracle-dev/koracle/internal/utils"
)

// A Queue is a lease-protected work queue stored in one table. At most
// one worker holds a key at any time; a lease that is not completed or
// failed expires on its own and becomes reclaimable.
type Queue struct {
	s     *Store
	table string
	lease time.Duration
}

// Lease returns the lease duration of the queue.
func (q *Queue) Lease() time.Duration { return q.lease }

// Enqueue adds a key to the queue. Duplicate enqueues coalesce; the
// priority becomes the maximum of the existing and the new one.
func (q *Queue) Enqueue(key string, priority int) error {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()

	_, err := q.s.db.Exec(`
		INSERT INTO `+q.table+` (key, priority, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			priority = MAX(priority, excluded.priority)
	`, key, priority, time.Now().Unix())
	return utils.AddContext(err, "couldn't enqueue")
}

// Dequeue atomically leases the highest-priority unlocked entry,
// oldest first within a priority. It returns nil when the queue has
// no leasable work.
func (q *Queue) Dequeue() (*QueueEntry, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()

	tx, err := q.s.db.Begin()
	if err != nil {
		return nil, utils.AddContext(err, "couldn't start transaction")
	}
	defer tx.Rollback()

	now := time.Now()
	row := tx.QueryRow(`
		SELECT key, priority, attempts, last_error, created_at
		FROM `+q.table+`
		WHERE locked_until < ?
		ORDER BY priority DESC, created_at ASC
		LIMIT 1
	`, now.Unix())

	var entry QueueEntry
	var created int64
	err = row.Scan(&entry.Key, &entry.Priority, &entry.Attempts, &entry.LastError, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, utils.AddContext(err, "couldn't select entry")
	}
	entry.CreatedAt = timeOrZero(created)
	entry.LockedUntil = now.Add(q.lease)

	_, err = tx.Exec(`
		UPDATE `+q.table+`
		SET locked_until = ?
		WHERE key = ?
	`, entry.LockedUntil.Unix(), entry.Key)
	if err != nil {
		return nil, utils.AddContext(err, "couldn't acquire lease")
	}
	if err := tx.Commit(); err != nil {
		return nil, utils.AddContext(err, "couldn't commit lease")
	}
	return &entry, nil
}

// Complete removes a finished entry.
func (q *Queue) Complete(key string) error {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()

	_, err := q.s.db.Exec(`
		DELETE FROM `+q.table+`
		WHERE key = ?
	`, key)
	return utils.AddContext(err, "couldn't complete entry")
}

// Fail records a failed attempt and releases the lease so another
// worker may retry.
func (q *Queue) Fail(key, errMsg string) error {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()

	_, err := q.s.db.Exec(`
		UPDATE `+q.table+`
		SET attempts = attempts + 1,
			last_error = ?,
			locked_until = 0
		WHERE key = ?
	`, errMsg, key)
	return utils.AddContext(err, "couldn't fail entry")
}

// Cleanup drops entries that have exhausted their attempts.
func (q *Queue) Cleanup(maxAttempts int) (int64, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()

	res, err := q.s.db.Exec(`
		DELETE FROM `+q.table+`
		WHERE attempts >= ?
	`, maxAttempts)
	if err != nil {
		return 0, utils.AddContext(err, "couldn't clean up queue")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Contains reports whether a key is currently queued.
func (q *Queue) Contains(key string) (bool, error) {
	var count int
	err := q.s.db.QueryRow(`
		SELECT COUNT(*)
		FROM `+q.table+`
		WHERE key = ?
	`, key).Scan(&count)
	return count > 0, utils.AddContext(err, "couldn't check queue")
}

// Depth returns the number of pending and leased entries.
func (q *Queue) Depth() (pending, leased int, err error) {
	now := time.Now().Unix()
	err = q.s.db.QueryRow(`
		SELECT
			COUNT(CASE WHEN locked_until < ? THEN 1 END),
			COUNT(CASE WHEN locked_until >= ? THEN 1 END)
		FROM `+q.table, now, now).Scan(&pending, &leased)
	return pending, leased, utils.AddContext(err, "couldn't read queue depth")
}
