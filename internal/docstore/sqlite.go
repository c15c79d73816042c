package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"call-insights-go/internal/types"
)

// SQLite keeps each call as a JSON document next to its status and a
// version counter used for compare-and-set writes.
type SQLite struct {
	db   *sql.DB
	path string
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS calls (
	call_id     TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	uploaded_at INTEGER NOT NULL,
	version     INTEGER NOT NULL,
	doc         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS calls_status ON calls(status);
CREATE INDEX IF NOT EXISTS calls_uploaded ON calls(uploaded_at);
`

func NewSQLite(dataDir string) (*SQLite, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	path := filepath.Join(dataDir, "calls.db")
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLite{db: db, path: path}, nil
}

func (s *SQLite) Path() string { return s.path }

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) CreateCall(ctx context.Context, call *types.Call) error {
	if err := validateNew(call); err != nil {
		return err
	}
	c := clone(call)
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	doc, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO calls (call_id, status, uploaded_at, version, doc) VALUES (?, ?, ?, 1, ?)`,
		c.CallID, string(c.Status), c.UploadedAt.UnixNano(), string(doc))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("%w: call %s already exists", types.ErrConflict, c.CallID)
		}
		return fmt.Errorf("%w: insert call: %v", types.ErrUnavailable, err)
	}
	return nil
}

func (s *SQLite) GetCall(ctx context.Context, callID string) (*types.Call, error) {
	c, _, err := s.load(ctx, callID)
	return c, err
}

func (s *SQLite) UpdateCall(ctx context.Context, callID string, u Update) (*types.Call, error) {
	return casUpdate(ctx, s, callID, u)
}

func (s *SQLite) ListCalls(ctx context.Context, limit int) ([]*types.Call, error) {
	q := `SELECT doc FROM calls ORDER BY uploaded_at DESC, call_id`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list calls: %v", types.ErrUnavailable, err)
	}
	defer rows.Close()

	var out []*types.Call
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var c types.Call
		if err := json.Unmarshal([]byte(doc), &c); err != nil {
			return nil, fmt.Errorf("decoding call: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *SQLite) load(ctx context.Context, callID string) (*types.Call, int64, error) {
	var doc string
	var version int64
	err := s.db.QueryRowContext(ctx, `SELECT doc, version FROM calls WHERE call_id = ?`, callID).Scan(&doc, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("%w: call %s", types.ErrNotFound, callID)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("%w: get call: %v", types.ErrUnavailable, err)
	}
	var c types.Call
	if err := json.Unmarshal([]byte(doc), &c); err != nil {
		return nil, 0, fmt.Errorf("decoding call %s: %w", callID, err)
	}
	return &c, version, nil
}

func (s *SQLite) save(ctx context.Context, c *types.Call, version int64) (bool, error) {
	doc, err := json.Marshal(c)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE calls SET doc = ?, status = ?, version = version + 1 WHERE call_id = ? AND version = ?`,
		string(doc), string(c.Status), c.CallID, version)
	if err != nil {
		return false, fmt.Errorf("%w: update call: %v", types.ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
