package kdb

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/koracle-dev/koracle/internal/utils"
)

// backupRetention is how many point-in-time copies are kept.
const backupRetention = 5

// Backup writes a consistent point-in-time copy of the database into
// dir and prunes old copies beyond the retention count.
func (s *Store) Backup(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", utils.AddContext(err, "couldn't create backup directory")
	}

	name := fmt.Sprintf("koracle-%s.db", time.Now().UTC().Format("20060102-150405"))
	path := filepath.Join(dir, name)

	s.mu.Lock()
	_, err := s.db.Exec(`VACUUM INTO ?`, path)
	s.mu.Unlock()
	if err != nil {
		return "", utils.AddContext(err, "couldn't write backup")
	}

	if err := pruneBackups(dir); err != nil {
		return path, utils.AddContext(err, "couldn't prune old backups")
	}
	return path, nil
}

func pruneBackups(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".db" {
			names = append(names, e.Name())
		}
	}
	if len(names) <= backupRetention {
		return nil
	}
	// Timestamped names sort chronologically.
	sort.Strings(names)
	for _, name := range names[:len(names)-backupRetention] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}
