//go:build sqlite

package storage

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "tasksched/pkg/logx"
)

func TestSQLiteStore(t *testing.T) {
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "runs.db"), BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	exerciseStore(t, st)
}

func TestSQLitePragmas(t *testing.T) {
	var buf bytes.Buffer
	st, err := openSQLite(Config{Path: filepath.Join(t.TempDir(), "runs.db"), BusyTimeout: 1500 * time.Millisecond}, logx.NewWriter(&buf, "debug"))
	if err != nil {
		t.Fatalf("openSQLite: %v", err)
	}
	defer st.Close()
	db := st.(*sqliteStore)
	ctx := context.Background()

	var mode string
	if err := db.db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil || !strings.EqualFold(mode, "wal") {
		t.Fatalf("journal_mode = %q, err = %v", mode, err)
	}
	var busy int
	if err := db.db.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busy); err != nil || busy != 1500 {
		t.Fatalf("busy_timeout = %d, err = %v", busy, err)
	}
	if strings.Contains(buf.String(), "pragma failed") {
		t.Fatalf("unexpected pragma failure: %s", buf.String())
	}

	if n := db.pragmas(ctx, []string{"PRAGMA synchronous = NORMAL", "PRAGMA bogus syntax ("}); n != 1 {
		t.Fatalf("failed pragmas = %d, want 1", n)
	}
	if !strings.Contains(buf.String(), "sqlite pragma failed") {
		t.Fatalf("failure not logged: %s", buf.String())
	}
}
