package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"

	"phishlookup/internal/domain"
	"phishlookup/internal/metrics"
	"phishlookup/internal/store"
)

// Loader writes a partitioned dump.
type Loader interface {
	Apply(ctx context.Context, b store.Batch) error
}

// Enricher completes details the feed left incomplete.
type Enricher interface {
	Enrich(d *domain.Detail) bool
}

// Summary describes one import.
type Summary struct {
	File     string
	Entries  int
	URLs     int
	IPs      int
	ASNs     int
	CCs      int
	Enriched int
	Duration time.Duration
}

type Importer struct {
	loader       Loader
	enricher     Enricher
	expireWindow time.Duration
	recordTTL    time.Duration
	now          func() time.Time
}

type Option func(*Importer)

func WithEnricher(e Enricher) Option {
	return func(i *Importer) {
		i.enricher = e
	}
}

// New returns an importer listing URLs for expireWindow and keeping their
// records for recordTTL, which must be longer.
func New(loader Loader, expireWindow, recordTTL time.Duration, opts ...Option) (*Importer, error) {
	if expireWindow <= 0 {
		return nil, fmt.Errorf("importer: expire window must be positive, got %s", expireWindow)
	}
	if recordTTL <= expireWindow {
		return nil, fmt.Errorf("importer: record ttl %s must exceed expire window %s", recordTTL, expireWindow)
	}

	i := &Importer{
		loader:       loader,
		expireWindow: expireWindow,
		recordTTL:    recordTTL,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Import loads the dump at path. Any error aborts the whole import; the next
// cycle starts over.
func (i *Importer) Import(ctx context.Context, path string) (Summary, error) {
	started := i.now()
	log.Info("Importing new file...", "file", filepath.Base(path))

	entries, err := readDump(path)
	if err != nil {
		return Summary{}, err
	}

	var enrich func(*domain.Detail) bool
	if i.enricher != nil {
		enrich = i.enricher.Enrich
	}
	batch, enriched := Partition(entries, enrich)
	batch.ListedUntil = started.Add(i.expireWindow)
	batch.RecordTTL = i.recordTTL

	if err := i.loader.Apply(ctx, batch); err != nil {
		return Summary{}, fmt.Errorf("importer: load %s: %w", filepath.Base(path), err)
	}

	summary := Summary{
		File:     path,
		Entries:  len(entries),
		URLs:     len(batch.Entries),
		IPs:      len(batch.Index[store.FamilyIP]),
		ASNs:     len(batch.Index[store.FamilyASN]),
		CCs:      len(batch.Index[store.FamilyCC]),
		Enriched: enriched,
		Duration: i.now().Sub(started),
	}

	metrics.EntriesImported.Add(float64(summary.URLs))
	metrics.LastImportEntries.Set(float64(summary.Entries))
	metrics.ImportDuration.Observe(summary.Duration.Seconds())

	log.Info("Importing done",
		"urls", summary.URLs,
		"ips", summary.IPs,
		"asns", summary.ASNs,
		"ccs", summary.CCs,
		"enriched", summary.Enriched,
		"duration", summary.Duration,
	)
	return summary, nil
}

func readDump(path string) ([]domain.Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("importer: open dump: %w", err)
	}
	defer f.Close()

	var entries []domain.Entry
	if err := json.NewDecoder(f).Decode(&entries); err != nil {
		return nil, fmt.Errorf("importer: decode %s: %w", filepath.Base(path), err)
	}
	return entries, nil
}
