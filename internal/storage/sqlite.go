package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:spamguard.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers; busy_timeout covers other processes.
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS blocked (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL,
			match_type TEXT NOT NULL,
			ip TEXT NOT NULL DEFAULT '',
			key_type TEXT NOT NULL DEFAULT '',
			key_value TEXT NOT NULL DEFAULT '',
			block_kind TEXT NOT NULL,
			start_block INTEGER NOT NULL,
			end_block INTEGER,
			reason TEXT NOT NULL DEFAULT '',
			created_by TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_blocked_match ON blocked(match_type, ip, key_type, key_value)`,
		`CREATE INDEX IF NOT EXISTS idx_blocked_created ON blocked(created_at)`,
		`CREATE TABLE IF NOT EXISTS event_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL,
			visitor_ip TEXT NOT NULL,
			ts INTEGER NOT NULL,
			triggering_detector TEXT,
			blocked INTEGER NOT NULL,
			whitelisted INTEGER NOT NULL DEFAULT 0,
			source TEXT NOT NULL DEFAULT '',
			details_json TEXT NOT NULL,
			metadata_json TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_event_log_ts ON event_log(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_event_log_ip ON event_log(visitor_ip)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
