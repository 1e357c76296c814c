package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/odvcencio/cdpmux/pkg/cdp"
	"github.com/odvcencio/cdpmux/pkg/journal"
	"github.com/odvcencio/cdpmux/pkg/mux"
	"github.com/odvcencio/cdpmux/pkg/observability"
)

func testLogger() *observability.Logger {
	return &observability.Logger{Logger: slog.New(slog.NewJSONHandler(io.Discard, nil))}
}

func TestLoadConfigExplicitMissingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestLoadConfigReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cdpmux.yaml")
	if err := os.WriteFile(path, []byte("server:\n  bind: 127.0.0.1:7777\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Server.Bind != "127.0.0.1:7777" {
		t.Fatalf("bind = %s, want 127.0.0.1:7777", cfg.Server.Bind)
	}
}

func TestJournalObserverTimeoutOutcome(t *testing.T) {
	jrnl, err := journal.Open(":memory:", testLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer jrnl.Close()

	observe := journalObserver(jrnl)
	observe(mux.Resolution{
		GlobalID:   7,
		ClientID:   "client-a",
		ClientKind: mux.KindTransient,
		Method:     "Page.navigate",
		Elapsed:    125 * time.Millisecond,
		Err:        &cdp.CallTimeoutError{Method: "Page.navigate", Elapsed: 125 * time.Millisecond},
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entries, err := jrnl.RecentCalls(context.Background(), 10)
		if err != nil {
			t.Fatalf("recent calls: %v", err)
		}
		if len(entries) == 1 {
			if entries[0].Outcome != "timeout" || entries[0].DurationMS != 125 {
				t.Fatalf("entry = %+v", entries[0])
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("journal entry never appeared")
}

func TestJournalObserverOutcomeAndError(t *testing.T) {
	jrnl, err := journal.Open(":memory:", testLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer jrnl.Close()

	observe := journalObserver(jrnl)
	observe(mux.Resolution{
		GlobalID:   1,
		ClientID:   "client-b",
		ClientKind: mux.KindStreaming,
		Method:     "Runtime.evaluate",
		Elapsed:    10 * time.Millisecond,
		Err:        errors.New("boom"),
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entries, err := jrnl.RecentCalls(context.Background(), 10)
		if err != nil {
			t.Fatalf("recent calls: %v", err)
		}
		if len(entries) == 1 {
			e := entries[0]
			if e.Method != "Runtime.evaluate" || e.Outcome != "error" || e.Error != "boom" {
				t.Fatalf("entry = %+v", e)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("journal entry never appeared")
}
