package feed

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

const (
	dumpSuffix = ".json"
	// dumpLayout is an ISO-8601 timestamp without zone; dump names are UTC.
	dumpLayout = "2006-01-02T15:04:05.000000"
)

// Dump is a dump file saved in the data directory.
type Dump struct {
	Path      string
	FetchedAt time.Time
}

func dumpName(t time.Time) string {
	return t.UTC().Format(dumpLayout) + dumpSuffix
}

// parseDumpName extracts the fetch time encoded in a dump file name.
func parseDumpName(name string) (time.Time, bool) {
	if !strings.HasSuffix(name, dumpSuffix) {
		return time.Time{}, false
	}
	stem := strings.TrimSuffix(name, dumpSuffix)

	for _, layout := range []string{dumpLayout, "2006-01-02T15:04:05.999999999", time.RFC3339Nano} {
		if t, err := time.ParseInLocation(layout, stem, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// listDumps returns the dumps of dir, newest first. Files whose name is not a
// timestamp are ignored.
func listDumps(dir string) ([]Dump, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var dumps []Dump
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		fetchedAt, ok := parseDumpName(entry.Name())
		if !ok {
			if strings.HasSuffix(entry.Name(), dumpSuffix) {
				log.Warn("Ignoring dump with unparsable name", "file", entry.Name())
			}
			continue
		}
		dumps = append(dumps, Dump{Path: filepath.Join(dir, entry.Name()), FetchedAt: fetchedAt})
	}

	sort.Slice(dumps, func(i, j int) bool {
		return dumps[i].FetchedAt.After(dumps[j].FetchedAt)
	})
	return dumps, nil
}
