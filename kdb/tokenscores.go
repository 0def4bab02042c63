package kdb

import (
	"database/sql"
	"errors"

	"github.com/koracle-dev/koracle/internal/utils"
)

// ErrTokenScoreNotFound is returned when a mint has never been scored.
var ErrTokenScoreNotFound = errors.New("token score not found")

// TokenScore returns the cached score of a mint.
func (s *Store) TokenScore(mint string) (TokenScore, error) {
	row := s.db.QueryRow(`
		SELECT mint, k, holders, accumulators, maintained, reducers, extractors, sampled, last_sync
		FROM token_scores
		WHERE mint = ?
	`, mint)

	var ts TokenScore
	var lastSync int64
	err := row.Scan(&ts.Mint, &ts.K, &ts.Holders, &ts.Accumulators, &ts.Maintained,
		&ts.Reducers, &ts.Extractors, &ts.Sampled, &lastSync)
	if errors.Is(err, sql.ErrNoRows) {
		return TokenScore{}, ErrTokenScoreNotFound
	}
	if err != nil {
		return TokenScore{}, utils.AddContext(err, "couldn't load token score")
	}
	ts.LastSync = timeOrZero(lastSync)
	return ts, nil
}

// SaveTokenScore stores a freshly computed token score.
func (s *Store) SaveTokenScore(ts TokenScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO token_scores (mint, k, holders, accumulators, maintained, reducers, extractors, sampled, last_sync)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (mint) DO UPDATE SET
			k = excluded.k,
			holders = excluded.holders,
			accumulators = excluded.accumulators,
			maintained = excluded.maintained,
			reducers = excluded.reducers,
			extractors = excluded.extractors,
			sampled = excluded.sampled,
			last_sync = excluded.last_sync
	`, ts.Mint, ts.K, ts.Holders, ts.Accumulators, ts.Maintained,
		ts.Reducers, ts.Extractors, ts.Sampled, ts.LastSync.Unix())
	return utils.AddContext(err, "couldn't save token score")
}
