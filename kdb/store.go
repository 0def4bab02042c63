package kdb

import (
	"database/sql"
	"sync"
	"time"

	"github.com/koracle-dev/koracle/internal/utils"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Store wraps the SQLite database. All mutation goes through its
// methods; writers serialize on a single mutex, readers run
// concurrently.
type Store struct {
	db   *sql.DB
	log  *zap.Logger
	path string

	// mu serializes all writers. SQLite only supports one writer at
	// a time anyway; taking the lock here turns busy errors into
	// ordinary queueing.
	mu sync.Mutex

	kwQueue  *Queue
	tokQueue *Queue
}

// NewStore opens (and if necessary creates) the database at path.
func NewStore(path string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, utils.AddContext(err, "couldn't open database")
	}

	s := &Store{
		db:   db,
		log:  logger,
		path: path,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, utils.AddContext(err, "couldn't apply schema")
		}
	}

	s.kwQueue = &Queue{s: s, table: "k_wallet_queue", lease: 5 * time.Minute}
	s.tokQueue = &Queue{s: s, table: "token_queue", lease: 10 * time.Minute}
	return s, nil
}

// KWalletQueue returns the per-wallet scoring queue.
func (s *Store) KWalletQueue() *Queue { return s.kwQueue }

// TokenQueue returns the per-mint scoring queue.
func (s *Store) TokenQueue() *Queue { return s.tokQueue }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func timeOrZero(unix int64) time.Time {
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0).UTC()
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
