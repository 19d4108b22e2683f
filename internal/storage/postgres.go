package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/spamguard?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db, numbered: true}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS blocked (
			id BIGSERIAL PRIMARY KEY,
			uuid TEXT NOT NULL,
			match_type TEXT NOT NULL,
			ip TEXT NOT NULL DEFAULT '',
			key_type TEXT NOT NULL DEFAULT '',
			key_value TEXT NOT NULL DEFAULT '',
			block_kind TEXT NOT NULL,
			start_block BIGINT NOT NULL,
			end_block BIGINT,
			reason TEXT NOT NULL DEFAULT '',
			created_by TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_blocked_match ON blocked(match_type, ip, key_type, key_value)`,
		`CREATE INDEX IF NOT EXISTS idx_blocked_created ON blocked(created_at)`,
		`CREATE TABLE IF NOT EXISTS event_log (
			id BIGSERIAL PRIMARY KEY,
			uuid TEXT NOT NULL,
			visitor_ip TEXT NOT NULL,
			ts BIGINT NOT NULL,
			triggering_detector TEXT,
			blocked BOOLEAN NOT NULL,
			whitelisted BOOLEAN NOT NULL DEFAULT FALSE,
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
