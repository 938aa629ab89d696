package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "livebot/pkg/logx"
)

func openBoth(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	fs, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "data")}, logx.Nop())
	if err != nil {
		t.Fatalf("open file store: %v", err)
	}
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "livebot.db"), BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() {
		_ = fs.Close()
		_ = sq.Close()
	})
	return map[string]Store{"file": fs, "sqlite": sq}
}

func TestDocumentRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, st := range openBoth(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			if _, err := st.ReadDocument(ctx, "registry"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			if err := st.WriteDocument(ctx, "registry", []byte(`{"version":1}`)); err != nil {
				t.Fatalf("write: %v", err)
			}
			if err := st.WriteDocument(ctx, "registry", []byte(`{"version":2}`)); err != nil {
				t.Fatalf("overwrite: %v", err)
			}
			got, err := st.ReadDocument(ctx, "registry")
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if string(got) != `{"version":2}` {
				t.Fatalf("unexpected body %s", got)
			}
		})
	}
}

func TestDocumentNameValidated(t *testing.T) {
	ctx := context.Background()
	for name, st := range openBoth(t) {
		if err := st.WriteDocument(ctx, "../escape", []byte("x")); err == nil {
			t.Fatalf("%s: expected invalid name error", name)
		}
	}
}

func TestAuditAppend(t *testing.T) {
	ctx := context.Background()
	for name, st := range openBoth(t) {
		e := AuditEntry{ActorID: "telegram:1", Chat: "telegram:-100", Action: "room.add", Target: "5"}
		if err := st.AppendAudit(ctx, e); err != nil {
			t.Fatalf("%s: append: %v", name, err)
		}
	}
}

func TestFileStoreAuditIsJSONLines(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	_ = st.AppendAudit(ctx, AuditEntry{ActorID: "a", Chat: "c", Action: "x"})
	_ = st.AppendAudit(ctx, AuditEntry{ActorID: "b", Chat: "c", Action: "y"})
	_ = st.Close()

	b, err := os.ReadFile(filepath.Join(dir, "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if _, err := st.ReadDocument(ctx, "registry"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}
}

func TestUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "bolt", Path: t.TempDir()}, logx.Nop()); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}
