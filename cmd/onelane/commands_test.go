package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"onelane/internal/journal"
	logx "onelane/pkg/logx"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCheckPrintsSummary(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "onelane.yaml")
	body := `
scheduler:
  name: main
  queue_size: 32
metrics:
  enabled: true
jobs:
  - name: backup
    schedule: "10m"
    command: [tar, czf, /tmp/x.tgz, /etc]
  - name: off
    schedule: "@daily"
    command: ["true"]
    disabled: true
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "check", "--config", path)
	if err != nil {
		t.Fatalf("check: %v\n%s", err, out)
	}
	for _, want := range []string{
		"lane: main (queue 32",
		"journal: none",
		"metrics: 127.0.0.1:9464",
		"jobs: 1 enabled, 1 disabled",
		"@every 10m0s",
		"tar czf /tmp/x.tgz /etc",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestCheckRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte(`{"scheduler": {"queue_size": -4}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "check", "-c", path); err == nil || !strings.Contains(err.Error(), "scheduler.queue_size") {
		t.Fatalf("check error = %v", err)
	}
}

func TestHistoryPrintsRecentRuns(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "journal.db")
	cfgPath := filepath.Join(dir, "onelane.json")
	cfg := `{"journal": {"driver": "sqlite", "path": "` + dbPath + `"}}`
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}

	store, err := journal.Open(journal.Config{Driver: "sqlite", Path: dbPath}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	for i, name := range []string{"first", "second", "third"} {
		rec := journal.Record{TaskID: name, Scheduler: "single", Name: name, Seq: uint64(i + 1), Status: journal.StatusFinished, Queued: now}
		if name == "third" {
			rec.Status = journal.StatusFailed
			rec.Error = "task panic: boom"
		}
		if err := store.Append(context.Background(), rec); err != nil {
			t.Fatal(err)
		}
	}
	_ = store.Close()

	out, err := execute(t, "history", "-c", cfgPath, "-n", "2")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out, "third") || !strings.Contains(out, "task panic: boom") || !strings.Contains(out, "second") {
		t.Fatalf("output:\n%s", out)
	}
	if strings.Contains(out, "first") {
		t.Fatalf("limit not applied:\n%s", out)
	}
}

func TestHistoryWithoutJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "onelane.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "history", "-c", path); err == nil {
		t.Fatal("expected error when the journal is disabled")
	}
}

func TestTruncateKeepsRunes(t *testing.T) {
	long := strings.Repeat("é", 70)
	got := truncate(long, 60)
	if !utf8.ValidString(got) || utf8.RuneCountInString(got) != 60 || !strings.HasSuffix(got, "...") {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("line1\nline2", 60); got != "line1 line2" {
		t.Fatalf("truncate = %q", got)
	}
}
