package shared

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func TestConflictDetection(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("sqlite: step: SQLITE_BUSY"), true},
		{errors.New("database is locked (5)"), true},
		{fmt.Errorf("insert snapshot: %w", errors.New("SQLITE_BUSY")), true},
		{errors.New("no such table"), false},
	}
	for _, tc := range cases {
		if got := IsSQLiteConflictError(tc.err); got != tc.want {
			t.Fatalf("IsSQLiteConflictError(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestConflictDetectionDriverErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock.db")
	dsn := path + "?_pragma=busy_timeout(0)"

	holder, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer holder.Close()
	if _, err := holder.Exec(`CREATE TABLE t (v INTEGER)`); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := holder.Exec(`SELEC 1`); err == nil || IsSQLiteConflictError(err) {
		t.Fatalf("syntax error should not count as conflict: %v", err)
	}

	tx, err := holder.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.Exec(`INSERT INTO t (v) VALUES (1)`); err != nil {
		t.Fatalf("insert in tx: %v", err)
	}

	other, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open second handle: %v", err)
	}
	defer other.Close()
	_, err = other.Exec(`INSERT INTO t (v) VALUES (2)`)
	if !IsSQLiteConflictError(err) {
		t.Fatalf("expected conflict while another writer holds the lock, got %v", err)
	}
}

func TestRetryOnConflictRetriesBusy(t *testing.T) {
	calls := 0
	err := RetryOnConflict(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("SQLITE_BUSY")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryOnConflictStopsOnOtherErrors(t *testing.T) {
	calls := 0
	boom := errors.New("constraint failed")
	err := RetryOnConflict(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestRetryOnConflictGivesUp(t *testing.T) {
	calls := 0
	err := RetryOnConflict(context.Background(), 2, time.Millisecond, func() error {
		calls++
		return errors.New("database is locked")
	})
	if err == nil || calls != 2 {
		t.Fatalf("expected failure after 2 calls, got err=%v calls=%d", err, calls)
	}
}

func TestRetryOnConflictHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RetryOnConflict(ctx, 3, time.Hour, func() error {
		return errors.New("SQLITE_BUSY")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
