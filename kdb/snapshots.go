package kdb

import (
	"database/sql"
	"errors"
	"time"

	"github.com/koracle-dev/koracle/internal/utils"
)

// SaveSnapshot appends a score snapshot.
func (s *Store) SaveSnapshot(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO snapshots (
			k,
			holders,
			accumulators_count,
			maintained_count,
			reducers_count,
			extractors_count,
			avg_hold_days,
			created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		snap.K,
		snap.Holders,
		snap.Accumulators,
		snap.Maintained,
		snap.Reducers,
		snap.Extractors,
		snap.AvgHoldDays,
		snap.CreatedAt.Unix(),
	)
	return utils.AddContext(err, "couldn't save snapshot")
}

// LatestSnapshot returns the most recent snapshot, or false if none
// exists yet.
func (s *Store) LatestSnapshot() (Snapshot, bool, error) {
	row := s.db.QueryRow(`
		SELECT k, holders, accumulators_count, maintained_count,
			reducers_count, extractors_count, avg_hold_days, created_at
		FROM snapshots
		ORDER BY id DESC
		LIMIT 1
	`)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, utils.AddContext(err, "couldn't load snapshot")
	}
	return snap, true, nil
}

// SnapshotHistory returns the snapshots of the last N days, oldest
// first.
func (s *Store) SnapshotHistory(days int) ([]Snapshot, error) {
	cutoff := time.Now().AddDate(0, 0, -days).Unix()
	rows, err := s.db.Query(`
		SELECT k, holders, accumulators_count, maintained_count,
			reducers_count, extractors_count, avg_hold_days, created_at
		FROM snapshots
		WHERE created_at >= ?
		ORDER BY created_at ASC
	`, cutoff)
	if err != nil {
		return nil, utils.AddContext(err, "couldn't query snapshots")
	}
	defer rows.Close()

	var history []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, utils.AddContext(err, "couldn't scan snapshot")
		}
		history = append(history, snap)
	}
	return history, rows.Err()
}

func scanSnapshot(row interface{ Scan(...any) error }) (Snapshot, error) {
	var snap Snapshot
	var created int64
	err := row.Scan(
		&snap.K, &snap.Holders, &snap.Accumulators, &snap.Maintained,
		&snap.Reducers, &snap.Extractors, &snap.AvgHoldDays, &created,
	)
	if err != nil {
		return Snapshot{}, err
	}
	snap.CreatedAt = timeOrZero(created)
	return snap, nil
}
