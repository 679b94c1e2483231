package voices

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	_ "modernc.org/sqlite"
)

// SQLStore keeps preferences in a SQLite table.
type SQLStore struct {
	db *sql.DB
}

// OpenSQLStore opens (creating if needed) the database at path.
func OpenSQLStore(ctx context.Context, path string) (*SQLStore, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	ddl := `CREATE TABLE IF NOT EXISTS voice_preferences (
    participant_id TEXT PRIMARY KEY,
    voice TEXT NOT NULL
);`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("create voice_preferences: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Load(ctx context.Context) (map[uint64]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT participant_id, voice FROM voice_preferences`)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", ErrStore, err)
	}
	defer rows.Close()

	prefs := make(map[uint64]string)
	for rows.Next() {
		var key, voice string
		if err := rows.Scan(&key, &voice); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", ErrStore, err)
		}
		id, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: participant id %q: %v", ErrStore, key, err)
		}
		prefs[id] = voice
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return prefs, nil
}

// Save upserts every entry in one transaction. Entries are never deleted.
func (s *SQLStore) Save(ctx context.Context, prefs map[uint64]string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrStore, err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO voice_preferences(participant_id, voice) VALUES(?, ?)
		 ON CONFLICT(participant_id) DO UPDATE SET voice=excluded.voice`)
	if err != nil {
		return fmt.Errorf("%w: prepare: %v", ErrStore, err)
	}
	defer stmt.Close()

	for id, voice := range prefs {
		if _, err = stmt.ExecContext(ctx, strconv.FormatUint(id, 10), voice); err != nil {
			return fmt.Errorf("%w: upsert: %v", ErrStore, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrStore, err)
	}
	return nil
}
