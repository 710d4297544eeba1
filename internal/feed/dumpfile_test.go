package feed

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDumpNameRoundTrip(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 30, 15, 123456000, time.UTC)
	name := dumpName(ts)
	if name != "2024-05-01T12:30:15.123456.json" {
		t.Fatalf("dumpName = %q", name)
	}

	got, ok := parseDumpName(name)
	if !ok {
		t.Fatalf("parseDumpName(%q) failed", name)
	}
	if !got.Equal(ts) {
		t.Fatalf("parseDumpName = %s, want %s", got, ts)
	}
}

func TestParseDumpNameVariants(t *testing.T) {
	cases := map[string]bool{
		"2024-05-01T12:30:15.json":           true,
		"2024-05-01T12:30:15.5.json":         true,
		"2024-05-01T12:30:15+02:00.json":     true,
		"2024-05-01T12:30:15.000000.json.gz": false,
		"settings.json":                      false,
		"2024-05-01.txt":                     false,
	}
	for name, want := range cases {
		if _, ok := parseDumpName(name); ok != want {
			t.Fatalf("parseDumpName(%q) ok = %v, want %v", name, ok, want)
		}
	}
}

func TestListDumpsNewestFirst(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for _, offset := range []time.Duration{time.Hour, 3 * time.Hour, 2 * time.Hour} {
		if err := os.WriteFile(filepath.Join(dir, dumpName(base.Add(offset))), []byte("[]"), 0o644); err != nil {
			t.Fatalf("write dump: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.json"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("write stray file: %v", err)
	}
	if err := os.Mkdir(filepath.Join(dir, "archive"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	dumps, err := listDumps(dir)
	if err != nil {
		t.Fatalf("listDumps: %v", err)
	}
	if len(dumps) != 3 {
		t.Fatalf("dumps = %d, want 3", len(dumps))
	}
	if !dumps[0].FetchedAt.Equal(base.Add(3 * time.Hour)) {
		t.Fatalf("newest dump = %s", dumps[0].FetchedAt)
	}
}

func TestArchiveDumpMissingSource(t *testing.T) {
	dir := t.TempDir()
	if err := archiveDump(filepath.Join(dir, "missing.json"), filepath.Join(dir, "archive")); err == nil {
		t.Fatal("expected error archiving a missing dump")
	}
	entries, _ := os.ReadDir(filepath.Join(dir, "archive"))
	if len(entries) != 0 {
		t.Fatalf("archive dir not empty after failure: %d entries", len(entries))
	}
}
