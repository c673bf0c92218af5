package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashureev/codetutor/internal/domain"
	"github.com/ashureev/codetutor/internal/shared"
)

const (
	insertAttempts  = 3
	insertBaseDelay = 100 * time.Millisecond
)

// SQLiteStore implements SnapshotStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the snapshot database at dbPath.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL lets pollers read while a review insert is in flight.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		code TEXT NOT NULL,
		metrics_json TEXT NOT NULL DEFAULT '{}',
		prompt TEXT,
		response TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_session_created ON snapshots(session_id, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// InsertSnapshot stores a snapshot, retrying on SQLITE_BUSY.
func (s *SQLiteStore) InsertSnapshot(ctx context.Context, snap *domain.Snapshot) (string, error) {
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}

	metrics := snap.Metrics
	if metrics == nil {
		metrics = map[string]any{}
	}
	metricsJSON, err := json.Marshal(metrics)
	if err != nil {
		return "", fmt.Errorf("encode metrics: %w", err)
	}

	query := `
		INSERT INTO snapshots (session_id, code, metrics_json, prompt, response, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	var id int64
	err = shared.RetryOnConflict(ctx, insertAttempts, insertBaseDelay, func() error {
		res, execErr := s.db.ExecContext(ctx, query,
			snap.SessionID, snap.Code, string(metricsJSON),
			nullable(snap.Prompt), nullable(snap.Response),
			snap.CreatedAt.UnixMilli(),
		)
		if execErr != nil {
			return execErr
		}
		id, execErr = res.LastInsertId()
		return execErr
	})
	if err != nil {
		return "", fmt.Errorf("insert snapshot: %w", err)
	}

	snap.ID = strconv.FormatInt(id, 10)
	return snap.ID, nil
}

// LastSnapshot returns the newest snapshot for a session. Ties on created_at
// go to the later insert.
func (s *SQLiteStore) LastSnapshot(ctx context.Context, sessionID string) (*domain.Snapshot, error) {
	query := `
		SELECT id, session_id, code, metrics_json, prompt, response, created_at
		FROM snapshots WHERE session_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`

	snap, err := scanSnapshot(s.db.QueryRowContext(ctx, query, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan snapshot row: %w", err)
	}
	return snap, nil
}

// CountSnapshots returns the number of snapshots stored for a session.
func (s *SQLiteStore) CountSnapshots(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count snapshots: %w", err)
	}
	return n, nil
}

// ListSnapshots returns up to limit snapshots in chronological order.
func (s *SQLiteStore) ListSnapshots(ctx context.Context, sessionID string, limit int) ([]*domain.Snapshot, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `
		SELECT id, session_id, code, metrics_json, prompt, response, created_at
		FROM snapshots WHERE session_id = ?
		ORDER BY created_at ASC, id ASC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close snapshot rows", "error", closeErr)
		}
	}()

	var out []*domain.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*domain.Snapshot, error) {
	var (
		snap        domain.Snapshot
		id          int64
		metricsJSON string
		prompt      sql.NullString
		response    sql.NullString
		createdAt   int64
	)
	if err := row.Scan(&id, &snap.SessionID, &snap.Code, &metricsJSON, &prompt, &response, &createdAt); err != nil {
		return nil, err
	}

	snap.ID = strconv.FormatInt(id, 10)
	snap.Prompt = prompt.String
	snap.Response = response.String
	snap.CreatedAt = time.UnixMilli(createdAt).UTC()

	if err := json.Unmarshal([]byte(metricsJSON), &snap.Metrics); err != nil {
		slog.Warn("Malformed snapshot metrics, ignoring", "snapshot_id", snap.ID, "error", err)
		snap.Metrics = nil
	}
	return &snap, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
