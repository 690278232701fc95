// Package store is the SQLite record store for cameras, users and events.
//
// Every method takes a connection from a fixed pool for the duration of
// the call. Confirmed-event batches are written in one IMMEDIATE
// transaction so a batch is either fully visible or absent.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/dj-oyu/detection-stream-server/internal/logger"
	"github.com/dj-oyu/detection-stream-server/pkg/types"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned on a uniqueness violation.
	ErrConflict = errors.New("record already exists")
)

const timeLayout = time.RFC3339Nano

// DefaultLimit applies when a list call passes limit <= 0.
const DefaultLimit = 100

const schema = `
CREATE TABLE IF NOT EXISTS cameras (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	name        TEXT NOT NULL,
	stream_url  TEXT,
	location    TEXT,
	is_active   INTEGER NOT NULL DEFAULT 1,
	created_at  TEXT NOT NULL,
	updated_at  TEXT
);
CREATE TABLE IF NOT EXISTS users (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	email       TEXT NOT NULL UNIQUE,
	full_name   TEXT,
	is_active   INTEGER NOT NULL DEFAULT 1,
	created_at  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	camera_id   INTEGER REFERENCES cameras(id),
	user_id     INTEGER REFERENCES users(id),
	label       TEXT NOT NULL,
	confidence  REAL NOT NULL,
	image_path  TEXT,
	payload     TEXT,
	occurred_at TEXT NOT NULL,
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_camera ON events(camera_id, id);
`

// Config holds the parameters for opening a Store.
type Config struct {
	// Path is the database file. The parent directory must exist.
	Path string
	// PoolSize defaults to max(NumCPU, 4).
	PoolSize int
	// Now defaults to time.Now.
	Now func() time.Time
}

// Store is safe for concurrent use.
type Store struct {
	pool *sqlitex.Pool
	path string
	now  func() time.Time
}

// Open creates the pool and ensures the schema exists.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: Path is required")
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = max(runtime.NumCPU(), 4)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", cfg.Path, err)
	}

	s := &Store{pool: pool, path: cfg.Path, now: now}

	conn, err := pool.Take(context.Background())
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: take: %w", err)
	}
	err = sqlitex.ExecuteScript(conn, schema, nil)
	pool.Put(conn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: creating schema: %w", err)
	}

	logger.Info("Store", "SQLite store opened: %s (pool %d)", cfg.Path, poolSize)
	return s, nil
}

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=OFF",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	return nil
}

// Close closes every connection. Blocks until borrowed connections return.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("store: closing %s: %w", s.path, err)
	}
	logger.Info("Store", "SQLite store closed: %s", s.path)
	return nil
}

// Ping checks that a connection can be taken and queried.
func (s *Store) Ping(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: take: %w", err)
	}
	defer s.pool.Put(conn)
	return sqlitex.ExecuteTransient(conn, "SELECT 1", nil)
}

// Persist writes a confirmed batch in one transaction.
func (s *Store) Persist(ctx context.Context, batch []types.ConfirmedEvent) (err error) {
	if len(batch) == 0 {
		return nil
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: persist: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	created := s.now().UTC()
	for i := range batch {
		ev := &batch[i]
		payload, merr := json.Marshal(Payload{BBox: ev.BBox})
		if merr != nil {
			return fmt.Errorf("store: encode payload: %w", merr)
		}
		if _, err = s.insertEvent(conn, eventRow{
			cameraID:   ev.CameraID,
			userID:     ev.UserID,
			label:      ev.Label,
			confidence: ev.Confidence,
			imagePath:  ev.ImagePath,
			payload:    string(payload),
			occurredAt: ev.OccurredAt,
			createdAt:  created,
		}); err != nil {
			return err
		}
	}
	return nil
}

func nullableInt(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullableText(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func columnIntPtr(stmt *sqlite.Stmt, col int) *int64 {
	if stmt.ColumnType(col) == sqlite.TypeNull {
		return nil
	}
	v := stmt.ColumnInt64(col)
	return &v
}

func columnTime(stmt *sqlite.Stmt, col int) time.Time {
	if stmt.ColumnType(col) == sqlite.TypeNull {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, stmt.ColumnText(col))
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func isUniqueViolation(err error) bool {
	return sqlite.ErrCode(err) == sqlite.ResultConstraintUnique ||
		strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func normalizePage(skip, limit int) (int, int) {
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	return skip, limit
}
