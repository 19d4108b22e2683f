package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"spamguard/internal/config"
	"spamguard/internal/model"
)

var ErrNotFound = errors.New("storage: not found")

// WriteError wraps a failed persistence write. Validation failures are
// returned as *model.ValidationError instead.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return "storage: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// BlockQuery selects block entries by exact match fields. Set IP, or
// KeyType and KeyValue.
type BlockQuery struct {
	IP       string
	KeyType  string
	KeyValue string
}

type BlockFilter struct {
	IPContains string
	MatchType  model.MatchType
	// ActiveAt restricts the listing to entries whose window contains it.
	ActiveAt time.Time
}

type LogFilter struct {
	IPContains string
	Blocked    *bool
	Detector   string
	Since      time.Time
	Until      time.Time
}

type Page struct {
	Limit  int
	Offset int
}

const (
	defaultPageLimit = 50
	maxPageLimit     = 1000
)

func (p Page) normalized() Page {
	if p.Limit <= 0 {
		p.Limit = defaultPageLimit
	}
	if p.Limit > maxPageLimit {
		p.Limit = maxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

type IPCount struct {
	IP    string `json:"ip"`
	Count int64  `json:"count"`
}

type DetectorCount struct {
	Detector string `json:"detector"`
	Count    int64  `json:"count"`
}

type BlockStore interface {
	UpsertBlock(ctx context.Context, entry *model.BlockEntry) error
	UpsertAutoBlock(ctx context.Context, entry *model.BlockEntry) (bool, error)
	FindActiveMatch(ctx context.Context, q BlockQuery, now time.Time) (*model.BlockEntry, error)
	ListBlocks(ctx context.Context, f BlockFilter, p Page) ([]model.BlockEntry, error)
	DeleteBlock(ctx context.Context, id int64) error
}

type EventLog interface {
	AppendLog(ctx context.Context, entry *model.LogEntry) error
	QueryLogs(ctx context.Context, f LogFilter, p Page) ([]model.LogEntry, error)
	PurgeLogsBefore(ctx context.Context, before time.Time) (int64, error)
	TopIPs(ctx context.Context, since time.Time, limit int) ([]IPCount, error)
	CountByDetector(ctx context.Context, since time.Time) ([]DetectorCount, error)
}

type Store interface {
	Init(ctx context.Context) error
	Close() error
	BlockStore
	EventLog
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// baseStore holds the DML shared by both drivers. Queries are written with
// '?' placeholders and rebound for postgres.
type baseStore struct {
	db       *sql.DB
	numbered bool
	now      func() time.Time
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) rebind(query string) string {
	if !b.numbered {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(ch)
	}
	return sb.String()
}

func (b *baseStore) clock() time.Time {
	if b.now != nil {
		return b.now().UTC()
	}
	return time.Now().UTC()
}

const blockColumns = `id, uuid, match_type, ip, key_type, key_value, block_kind, start_block, end_block, reason, created_by, created_at, updated_at`

// UpsertBlock validates the entry and inserts it, or updates the entry with
// identical match fields. On success entry carries the stored id and uuid.
func (b *baseStore) UpsertBlock(ctx context.Context, entry *model.BlockEntry) error {
	_, err := b.upsertBlock(ctx, entry, false)
	return err
}

// UpsertAutoBlock stores an entry generated by the engine. An existing entry
// with the same match fields is refreshed only when it was generated as
// well; admin entries stay untouched and stored is false.
func (b *baseStore) UpsertAutoBlock(ctx context.Context, entry *model.BlockEntry) (bool, error) {
	if entry == nil || !model.IsAutoCreated(entry.CreatedBy) {
		return false, fmt.Errorf("auto block requires created_by prefix %q", model.AutoCreatedByPrefix)
	}
	return b.upsertBlock(ctx, entry, true)
}

func (b *baseStore) upsertBlock(ctx context.Context, entry *model.BlockEntry, autoOnly bool) (bool, error) {
	if entry == nil {
		return false, &model.ValidationError{Kind: model.KindMissingMatch}
	}
	now := b.clock()
	if entry.StartBlock.IsZero() {
		entry.StartBlock = now
	}
	if err := entry.Validate(); err != nil {
		return false, err
	}
	if entry.UUID == "" {
		entry.UUID = uuid.NewString()
	}
	var end sql.NullInt64
	if entry.EndBlock != nil {
		end = sql.NullInt64{Int64: entry.EndBlock.UTC().UnixMilli(), Valid: true}
	}
	query := `INSERT INTO blocked (uuid, match_type, ip, key_type, key_value, block_kind, start_block, end_block, reason, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (match_type, ip, key_type, key_value) DO UPDATE SET
			block_kind = excluded.block_kind,
			start_block = excluded.start_block,
			end_block = excluded.end_block,
			reason = excluded.reason,
			created_by = excluded.created_by,
			updated_at = excluded.updated_at`
	if autoOnly {
		query += `
		WHERE blocked.created_by LIKE '` + model.AutoCreatedByPrefix + `%'`
	}
	query += `
		RETURNING id, uuid, created_at`
	var createdAt int64
	err := b.db.QueryRowContext(ctx, b.rebind(query),
		entry.UUID,
		string(entry.MatchType),
		entry.IP,
		entry.KeyType,
		entry.KeyValue,
		string(entry.Kind),
		entry.StartBlock.UTC().UnixMilli(),
		end,
		entry.Reason,
		entry.CreatedBy,
		now.UnixMilli(),
		now.UnixMilli(),
	).Scan(&entry.ID, &entry.UUID, &createdAt)
	if autoOnly && errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, &WriteError{Op: "upsert block", Err: err}
	}
	entry.CreatedAt = fromMillis(createdAt)
	entry.UpdatedAt = now
	return true, nil
}

func (b *baseStore) FindActiveMatch(ctx context.Context, q BlockQuery, now time.Time) (*model.BlockEntry, error) {
	matchType := model.MatchIP
	ip := strings.TrimSpace(q.IP)
	keyType, keyValue := "", ""
	if ip == "" {
		if strings.TrimSpace(q.KeyType) == "" {
			return nil, nil
		}
		matchType = model.MatchKey
		keyType = strings.ToLower(strings.TrimSpace(q.KeyType))
		keyValue = model.NormalizeKeyValue(keyType, q.KeyValue)
	}
	ms := now.UTC().UnixMilli()
	row := b.db.QueryRowContext(ctx, b.rebind(
		`SELECT `+blockColumns+` FROM blocked
		WHERE match_type = ? AND ip = ? AND key_type = ? AND key_value = ?
			AND start_block <= ?
			AND (block_kind = ? OR (end_block IS NOT NULL AND end_block >= ?))
		ORDER BY id LIMIT 1`),
		string(matchType), ip, keyType, keyValue, ms, string(model.BlockPermanent), ms,
	)
	entry, err := scanBlock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (b *baseStore) ListBlocks(ctx context.Context, f BlockFilter, p Page) ([]model.BlockEntry, error) {
	p = p.normalized()
	var where []string
	var args []any
	if s := strings.TrimSpace(f.IPContains); s != "" {
		where = append(where, "ip LIKE ?")
		args = append(args, "%"+s+"%")
	}
	if f.MatchType != "" {
		where = append(where, "match_type = ?")
		args = append(args, string(f.MatchType))
	}
	if !f.ActiveAt.IsZero() {
		ms := f.ActiveAt.UTC().UnixMilli()
		where = append(where, "start_block <= ? AND (block_kind = ? OR (end_block IS NOT NULL AND end_block >= ?))")
		args = append(args, ms, string(model.BlockPermanent), ms)
	}
	query := `SELECT ` + blockColumns + ` FROM blocked`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, p.Limit, p.Offset)

	rows, err := b.db.QueryContext(ctx, b.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.BlockEntry
	for rows.Next() {
		entry, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *entry)
	}
	return out, rows.Err()
}

func (b *baseStore) DeleteBlock(ctx context.Context, id int64) error {
	res, err := b.db.ExecContext(ctx, b.rebind(`DELETE FROM blocked WHERE id = ?`), id)
	if err != nil {
		return &WriteError{Op: "delete block", Err: err}
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBlock(row rowScanner) (*model.BlockEntry, error) {
	var (
		entry                       model.BlockEntry
		matchType, kind             string
		start, createdAt, updatedAt int64
		end                         sql.NullInt64
	)
	if err := row.Scan(
		&entry.ID,
		&entry.UUID,
		&matchType,
		&entry.IP,
		&entry.KeyType,
		&entry.KeyValue,
		&kind,
		&start,
		&end,
		&entry.Reason,
		&entry.CreatedBy,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	entry.MatchType = model.MatchType(matchType)
	entry.Kind = model.BlockKind(kind)
	entry.StartBlock = fromMillis(start)
	if end.Valid {
		t := fromMillis(end.Int64)
		entry.EndBlock = &t
	}
	entry.CreatedAt = fromMillis(createdAt)
	entry.UpdatedAt = fromMillis(updatedAt)
	return &entry, nil
}

const logColumns = `id, uuid, visitor_ip, ts, triggering_detector, blocked, whitelisted, source, details_json, metadata_json`

func (b *baseStore) AppendLog(ctx context.Context, entry *model.LogEntry) error {
	if entry == nil {
		return nil
	}
	if entry.UUID == "" {
		entry.UUID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = b.clock()
	}
	var trigger sql.NullString
	if entry.Trigger != "" {
		trigger = sql.NullString{String: entry.Trigger, Valid: true}
	}
	err := b.db.QueryRowContext(ctx, b.rebind(
		`INSERT INTO event_log (uuid, visitor_ip, ts, triggering_detector, blocked, whitelisted, source, details_json, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		entry.UUID,
		entry.VisitorIP,
		entry.Timestamp.UTC().UnixMilli(),
		trigger,
		entry.Blocked,
		entry.Whitelisted,
		entry.Source,
		encodeJSON(entry.Verdicts),
		encodeJSON(entry.Metadata),
	).Scan(&entry.ID)
	if err != nil {
		return &WriteError{Op: "append log", Err: err}
	}
	return nil
}

func (b *baseStore) QueryLogs(ctx context.Context, f LogFilter, p Page) ([]model.LogEntry, error) {
	p = p.normalized()
	var where []string
	var args []any
	if s := strings.TrimSpace(f.IPContains); s != "" {
		where = append(where, "visitor_ip LIKE ?")
		args = append(args, "%"+s+"%")
	}
	if f.Blocked != nil {
		where = append(where, "blocked = ?")
		args = append(args, *f.Blocked)
	}
	if f.Detector != "" {
		where = append(where, "triggering_detector = ?")
		args = append(args, f.Detector)
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, f.Since.UTC().UnixMilli())
	}
	if !f.Until.IsZero() {
		where = append(where, "ts < ?")
		args = append(args, f.Until.UTC().UnixMilli())
	}
	query := `SELECT ` + logColumns + ` FROM event_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, p.Limit, p.Offset)

	rows, err := b.db.QueryContext(ctx, b.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.LogEntry
	for rows.Next() {
		var (
			entry    model.LogEntry
			ts       int64
			trigger  sql.NullString
			details  string
			metadata sql.NullString
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.UUID,
			&entry.VisitorIP,
			&ts,
			&trigger,
			&entry.Blocked,
			&entry.Whitelisted,
			&entry.Source,
			&details,
			&metadata,
		); err != nil {
			return nil, err
		}
		entry.Timestamp = fromMillis(ts)
		entry.Trigger = trigger.String
		if details != "" {
			if err := json.Unmarshal([]byte(details), &entry.Verdicts); err != nil {
				return nil, fmt.Errorf("event log %d: decode details: %w", entry.ID, err)
			}
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &entry.Metadata); err != nil {
				return nil, fmt.Errorf("event log %d: decode metadata: %w", entry.ID, err)
			}
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (b *baseStore) PurgeLogsBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := b.db.ExecContext(ctx, b.rebind(`DELETE FROM event_log WHERE ts < ?`), before.UTC().UnixMilli())
	if err != nil {
		return 0, &WriteError{Op: "purge logs", Err: err}
	}
	return res.RowsAffected()
}

// TopIPs returns the visitors with the most blocked events since the given time.
func (b *baseStore) TopIPs(ctx context.Context, since time.Time, limit int) ([]IPCount, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := b.db.QueryContext(ctx, b.rebind(
		`SELECT visitor_ip, COUNT(*) AS hits FROM event_log
		WHERE blocked = ? AND ts >= ?
		GROUP BY visitor_ip
		ORDER BY hits DESC, visitor_ip ASC
		LIMIT ?`),
		true, since.UTC().UnixMilli(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []IPCount
	for rows.Next() {
		var c IPCount
		if err := rows.Scan(&c.IP, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (b *baseStore) CountByDetector(ctx context.Context, since time.Time) ([]DetectorCount, error) {
	rows, err := b.db.QueryContext(ctx, b.rebind(
		`SELECT COALESCE(triggering_detector, '') AS detector, COUNT(*) AS hits FROM event_log
		WHERE blocked = ? AND ts >= ?
		GROUP BY COALESCE(triggering_detector, '')
		ORDER BY hits DESC, detector ASC`),
		true, since.UTC().UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DetectorCount
	for rows.Next() {
		var c DetectorCount
		if err := rows.Scan(&c.Detector, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
