package rollout

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/relaykit/relay/pkg/kernel"
)

// ThreadIndexConfig configures the optional Postgres/CockroachDB-backed
// thread index: a queryable sidecar the JSON-RPC surface's `thread/list`
// and `thread/read` methods (§6.1) can page through instead of listing
// the sessions/ directory tree on every call. The JSONL file remains
// the source of truth; this index is a derived, rebuildable cache.
type ThreadIndexConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultThreadIndexConfig mirrors the teacher's DefaultCockroachConfig
// defaults (internal/sessions/cockroach.go).
func DefaultThreadIndexConfig() *ThreadIndexConfig {
	return &ThreadIndexConfig{
		Host:            "localhost",
		Port:            26257,
		User:            "root",
		Database:        "relay",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// ThreadIndex is a queryable index of rollout threads, keyed by
// ThreadId, backed by CockroachDB/Postgres via database/sql + lib/pq.
type ThreadIndex struct {
	db *sql.DB

	stmtUpsert *sql.Stmt
	stmtGet    *sql.Stmt
	stmtList   *sql.Stmt
}

// NewThreadIndex opens (or is handed, for tests) a *sql.DB and prepares
// the index's statements.
func NewThreadIndex(cfg *ThreadIndexConfig) (*ThreadIndex, error) {
	if cfg == nil {
		cfg = DefaultThreadIndexConfig()
	}
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=%d",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
		int(cfg.ConnectTimeout.Seconds()),
	)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("rollout: open thread index: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("rollout: ping thread index: %w", err)
	}

	return newThreadIndexWithDB(db)
}

// newThreadIndexWithDB wires an already-open *sql.DB (real or a
// sqlmock) and prepares statements — split out so tests can inject a
// mock without dialing a real database.
func newThreadIndexWithDB(db *sql.DB) (*ThreadIndex, error) {
	idx := &ThreadIndex{db: db}
	var err error
	idx.stmtUpsert, err = db.Prepare(`
		INSERT INTO rollout_threads (thread_id, session_id, path, forked_from_id, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (thread_id) DO UPDATE SET path = $3, updated_at = $5
	`)
	if err != nil {
		return nil, fmt.Errorf("rollout: prepare upsert: %w", err)
	}
	idx.stmtGet, err = db.Prepare(`
		SELECT thread_id, session_id, path, forked_from_id, updated_at
		FROM rollout_threads WHERE thread_id = $1
	`)
	if err != nil {
		return nil, fmt.Errorf("rollout: prepare get: %w", err)
	}
	idx.stmtList, err = db.Prepare(`
		SELECT thread_id, session_id, path, forked_from_id, updated_at
		FROM rollout_threads ORDER BY updated_at DESC LIMIT $1 OFFSET $2
	`)
	if err != nil {
		return nil, fmt.Errorf("rollout: prepare list: %w", err)
	}
	return idx, nil
}

// ThreadRecord is one row of the thread index.
type ThreadRecord struct {
	ThreadID     kernel.ThreadId
	SessionID    kernel.SessionId
	Path         string
	ForkedFromID *kernel.SessionId
	UpdatedAt    time.Time
}

// Upsert records (or refreshes) a thread's current rollout path. Called
// by the session after every RecordItems flush so the index never
// drifts far from the JSONL file it mirrors.
func (idx *ThreadIndex) Upsert(ctx context.Context, rec ThreadRecord) error {
	var forked any
	if rec.ForkedFromID != nil {
		forked = string(*rec.ForkedFromID)
	}
	_, err := idx.stmtUpsert.ExecContext(ctx, string(rec.ThreadID), string(rec.SessionID), rec.Path, forked, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("rollout: upsert thread %s: %w", rec.ThreadID, err)
	}
	return nil
}

// Get returns the index row for one thread ("thread/read", §6.1).
func (idx *ThreadIndex) Get(ctx context.Context, id kernel.ThreadId) (ThreadRecord, error) {
	row := idx.stmtGet.QueryRowContext(ctx, string(id))
	return scanThreadRecord(row)
}

// List pages through threads newest-first ("thread/list", §6.1).
func (idx *ThreadIndex) List(ctx context.Context, limit, offset int) ([]ThreadRecord, error) {
	rows, err := idx.stmtList.QueryContext(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("rollout: list threads: %w", err)
	}
	defer rows.Close()

	var out []ThreadRecord
	for rows.Next() {
		rec, err := scanThreadRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanThreadRecord(row rowScanner) (ThreadRecord, error) {
	var rec ThreadRecord
	var threadID, sessionID, path string
	var forked sql.NullString
	var updatedAt time.Time
	if err := row.Scan(&threadID, &sessionID, &path, &forked, &updatedAt); err != nil {
		return ThreadRecord{}, fmt.Errorf("rollout: scan thread row: %w", err)
	}
	rec.ThreadID = kernel.ThreadId(threadID)
	rec.SessionID = kernel.SessionId(sessionID)
	rec.Path = path
	rec.UpdatedAt = updatedAt
	if forked.Valid {
		id := kernel.SessionId(forked.String)
		rec.ForkedFromID = &id
	}
	return rec, nil
}

// Close releases the underlying database connection.
func (idx *ThreadIndex) Close() error {
	return idx.db.Close()
}
