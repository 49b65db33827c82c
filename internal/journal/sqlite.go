package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"chronocal/internal/model"
)

const DriverName = "sqlite3"

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS deliveries (
		event_key VARCHAR NOT NULL,
		start_unix INTEGER NOT NULL,
		title VARCHAR NOT NULL DEFAULT "",
		notification_id VARCHAR NOT NULL,
		outcome VARCHAR NOT NULL,
		recorded_unix INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS deliveries_key_start ON deliveries (event_key, start_unix)`,
}

// SQLite persists the journal in a SQLite database.
type SQLite struct {
	db *sqlx.DB
}

// row mirrors the deliveries table.
type row struct {
	Entry
	StartUnix    int64 `db:"start_unix"`
	RecordedUnix int64 `db:"recorded_unix"`
}

func (r row) convert() Entry {
	e := r.Entry
	e.Start = time.Unix(r.StartUnix, 0)
	e.At = time.Unix(r.RecordedUnix, 0)
	return e
}

// Open opens (creating when missing) the journal database at path and runs
// migrations. Use ":memory:" for a throwaway database.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open(DriverName, path)
	if err != nil {
		return nil, err
	}
	// go-sqlite3 gives every connection its own :memory: database.
	db.SetMaxOpenConns(1)
	return NewSQLite(db)
}

// NewSQLite wraps an open database handle.
func NewSQLite(db *sql.DB) (*SQLite, error) {
	s := &SQLite{db: sqlx.NewDb(db, DriverName)}
	if err := s.RunMigrations(); err != nil {
		return nil, fmt.Errorf("journal: running migrations: %w", err)
	}
	return s, nil
}

func (s *SQLite) RunMigrations() error {
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) Record(ctx context.Context, e Entry) error {
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deliveries (event_key, start_unix, title, notification_id, outcome, recorded_unix)
		VALUES (?, ?, ?, ?, ?, ?)
	`, string(e.Key), e.Start.Unix(), e.Title, e.NotificationID, string(e.Outcome), at.Unix())
	return err
}

func (s *SQLite) Delivered(ctx context.Context, key model.Key, start time.Time) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM deliveries
		WHERE event_key = ? AND start_unix = ? AND outcome = ?
	`, string(key), start.Unix(), string(OutcomeInformed))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLite) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []row
	err := s.db.SelectContext(ctx, &rows, `
		SELECT event_key, start_unix, title, notification_id, outcome, recorded_unix
		FROM deliveries
		ORDER BY recorded_unix DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, len(rows))
	for i, r := range rows {
		out[i] = r.convert()
	}
	return out, nil
}

// Prune deletes entries for events that started before cutoff.
func (s *SQLite) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM deliveries WHERE start_unix < ?`, cutoff.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
