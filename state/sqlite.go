package state

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	// registers the "sqlite" driver
	_ "modernc.org/sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS grid_locations (
	marker_id TEXT PRIMARY KEY,
	grid_section INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
)`

// SQLiteStore keeps the mapping in a single table that is replaced in one
// transaction per save.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed creates) the database at path.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "unable to create directory for %s", path)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open %s", path)
	}
	// one writer; readers in other processes use their own connections
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "unable to enable WAL")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "unable to create grid_locations table")
	}
	return &SQLiteStore{db: db}, nil
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, m Mapping) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "unable to begin transaction")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, "DELETE FROM grid_locations"); err != nil {
		return errors.Wrap(err, "unable to clear grid_locations")
	}
	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO grid_locations (marker_id, grid_section, updated_at) VALUES (?, ?, ?)")
	if err != nil {
		return errors.Wrap(err, "unable to prepare insert")
	}
	defer stmt.Close()
	now := time.Now().UnixMilli()
	for _, id := range m.IDs() {
		if _, err = stmt.ExecContext(ctx, id, m[id].GridSection, now); err != nil {
			return errors.Wrapf(err, "unable to insert marker %s", id)
		}
	}
	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "unable to commit grid_locations")
	}
	return nil
}

// Load reads the current mapping.
func (s *SQLiteStore) Load(ctx context.Context) (Mapping, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT marker_id, grid_section FROM grid_locations")
	if err != nil {
		return nil, errors.Wrap(err, "unable to query grid_locations")
	}
	defer rows.Close()
	m := Mapping{}
	for rows.Next() {
		var id string
		var cell int
		if err := rows.Scan(&id, &cell); err != nil {
			return nil, errors.Wrap(err, "unable to scan grid_locations")
		}
		m[id] = Location{GridSection: cell}
	}
	return m, rows.Err()
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
