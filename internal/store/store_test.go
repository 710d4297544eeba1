package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"phishlookup/internal/domain"
)

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := New(client)
	s.now = func() time.Time { return baseTime }
	return s, mr
}

func sampleEntry(url, ip, asn, cc string) domain.Entry {
	raw := fmt.Sprintf(`{
		"phish_id": "42",
		"url": %q,
		"phish_detail_url": "http://www.phishtank.com/phish_detail.php?phish_id=42",
		"verified": "yes",
		"verification_time": "2024-05-01T10:00:00+00:00",
		"online": "yes",
		"details": [{"ip_address": %q, "cidr_block": null, "announcing_network": %q, "country": %q}]
	}`, url, ip, asn, cc)
	e, err := domain.ParseEntry([]byte(raw))
	if err != nil {
		panic(err)
	}
	return e
}

func asJSON(t *testing.T, v any) any {
	t.Helper()
	encoded, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out any
	if err := json.Unmarshal(encoded, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func batchOf(listedUntil time.Time, entries ...domain.Entry) Batch {
	b := Batch{
		Entries: entries,
		Index: map[Family]map[string][]string{
			FamilyIP:  {},
			FamilyASN: {},
			FamilyCC:  {},
		},
		ListedUntil: listedUntil,
		RecordTTL:   7 * time.Hour,
	}
	for _, e := range entries {
		details, _ := e.Details()
		for _, d := range details {
			b.Index[FamilyIP][string(d.IPAddress)] = append(b.Index[FamilyIP][string(d.IPAddress)], e.URL)
			b.Index[FamilyASN][string(d.AnnouncingNetwork)] = append(b.Index[FamilyASN][string(d.AnnouncingNetwork)], e.URL)
			b.Index[FamilyCC][string(d.Country)] = append(b.Index[FamilyCC][string(d.Country)], e.URL)
		}
	}
	return b
}

func TestApplyAndLookup(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	entry := sampleEntry("http://phish.example/login", "1.2.3.4", "AS999", "US")
	if err := s.Apply(ctx, batchOf(baseTime.Add(6*time.Hour), entry)); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	got, found, err := s.Entry(ctx, entry.URL)
	if err != nil {
		t.Fatalf("Entry: %v", err)
	}
	if !found {
		t.Fatal("entry not found after apply")
	}
	if !reflect.DeepEqual(asJSON(t, got), asJSON(t, entry)) {
		t.Fatalf("record = %+v, want %+v", got, entry)
	}

	lookups := []struct {
		family Family
		value  string
	}{
		{FamilyIP, "1.2.3.4"},
		{FamilyASN, "AS999"},
		{FamilyCC, "US"},
	}
	for _, l := range lookups {
		urls, err := s.URLsBy(ctx, l.family, l.value)
		if err != nil {
			t.Fatalf("URLsBy(%s): %v", l.family, err)
		}
		if !reflect.DeepEqual(urls, []string{entry.URL}) {
			t.Fatalf("URLsBy(%s, %s) = %v", l.family, l.value, urls)
		}

		keys, err := s.Keys(ctx, l.family)
		if err != nil {
			t.Fatalf("Keys(%s): %v", l.family, err)
		}
		if !reflect.DeepEqual(keys, []string{l.value}) {
			t.Fatalf("Keys(%s) = %v", l.family, keys)
		}
	}

	counts, err := s.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts != (Counts{URLs: 1, IPs: 1, ASNs: 1, CCs: 1}) {
		t.Fatalf("Counts = %+v", counts)
	}
}

func TestEntryAbsent(t *testing.T) {
	s, _ := newTestStore(t)

	_, found, err := s.Entry(context.Background(), "http://nowhere.example")
	if err != nil {
		t.Fatalf("Entry: %v", err)
	}
	if found {
		t.Fatal("absent URL reported as found")
	}

	urls, err := s.URLsBy(context.Background(), FamilyIP, "9.9.9.9")
	if err != nil {
		t.Fatalf("URLsBy: %v", err)
	}
	if urls == nil || len(urls) != 0 {
		t.Fatalf("URLsBy unknown ip = %#v, want empty slice", urls)
	}
}

func TestReimportOverwrites(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	entry := sampleEntry("http://phish.example/", "1.2.3.4", "AS1", "FR")
	if err := s.Apply(ctx, batchOf(baseTime.Add(6*time.Hour), entry)); err != nil {
		t.Fatalf("first Apply: %v", err)
	}

	entry = sampleEntry("http://phish.example/", "1.2.3.4", "AS1", "BE")
	entry.Fields[domain.FieldTarget] = json.RawMessage(`"Bank"`)
	if err := s.Apply(ctx, batchOf(baseTime.Add(7*time.Hour), entry)); err != nil {
		t.Fatalf("second Apply: %v", err)
	}

	urls, err := s.URLs(ctx)
	if err != nil {
		t.Fatalf("URLs: %v", err)
	}
	if len(urls) != 1 {
		t.Fatalf("URLs = %v, want one url", urls)
	}

	got, _, err := s.Entry(ctx, entry.URL)
	if err != nil {
		t.Fatalf("Entry: %v", err)
	}
	details, _ := got.Details()
	if got.Value(domain.FieldTarget) != "Bank" || details[0].Country != "BE" {
		t.Fatalf("record not overwritten: %+v", got)
	}
}

func TestApplyPrunesPreviousCycles(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	old := sampleEntry("http://old.example/", "1.1.1.1", "AS1", "US")
	if err := s.Apply(ctx, batchOf(baseTime.Add(time.Hour), old)); err != nil {
		t.Fatalf("Apply old: %v", err)
	}

	later := baseTime.Add(2 * time.Hour)
	s.now = func() time.Time { return later }

	fresh := sampleEntry("http://fresh.example/", "1.1.1.1", "AS2", "US")
	if err := s.Apply(ctx, batchOf(later.Add(6*time.Hour), fresh)); err != nil {
		t.Fatalf("Apply fresh: %v", err)
	}

	// rewind the clock to inspect raw set contents, pruning must not depend on listing filters
	s.now = func() time.Time { return baseTime.Add(-time.Hour) }

	urls, _ := s.URLs(ctx)
	if !reflect.DeepEqual(urls, []string{fresh.URL}) {
		t.Fatalf("URLs = %v, want only the fresh url", urls)
	}
	byIP, _ := s.URLsBy(ctx, FamilyIP, "1.1.1.1")
	if !reflect.DeepEqual(byIP, []string{fresh.URL}) {
		t.Fatalf("URLsBy ip = %v, want only the fresh url", byIP)
	}
	asns, _ := s.Keys(ctx, FamilyASN)
	sort.Strings(asns)
	if !reflect.DeepEqual(asns, []string{"AS2"}) {
		t.Fatalf("ASNs = %v, want [AS2]", asns)
	}
}

func TestListingHidesEntriesPastTheirWindow(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	entry := sampleEntry("http://phish.example/", "1.2.3.4", "AS1", "US")
	if err := s.Apply(ctx, batchOf(baseTime.Add(time.Hour), entry)); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	s.now = func() time.Time { return baseTime.Add(2 * time.Hour) }

	urls, err := s.URLs(ctx)
	if err != nil {
		t.Fatalf("URLs: %v", err)
	}
	if len(urls) != 0 {
		t.Fatalf("URLs = %v, want none once the window passed", urls)
	}
	if _, found, _ := s.Entry(ctx, entry.URL); !found {
		t.Fatal("record must outlive its listing window")
	}
}

func TestRecordExpires(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	entry := sampleEntry("http://phish.example/", "1.2.3.4", "AS1", "US")
	b := batchOf(baseTime.Add(6*time.Hour), entry)
	if err := s.Apply(ctx, b); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	mr.FastForward(b.RecordTTL - time.Second)
	if _, found, _ := s.Entry(ctx, entry.URL); !found {
		t.Fatal("record expired early")
	}

	mr.FastForward(2 * time.Second)
	if _, found, _ := s.Entry(ctx, entry.URL); found {
		t.Fatal("record still present after its TTL")
	}
	if mr.Exists(FamilyIP.indexKey("1.2.3.4")) {
		t.Fatal("index key still present after its TTL")
	}
}

func TestApplyEmptyBatchIsNoop(t *testing.T) {
	s, mr := newTestStore(t)
	if err := s.Apply(context.Background(), Batch{}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if keys := mr.Keys(); len(keys) != 0 {
		t.Fatalf("empty batch wrote keys: %v", keys)
	}
}

func TestPruneListings(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	entry := sampleEntry("http://phish.example/login", "1.2.3.4", "AS999", "US")
	if err := s.Apply(ctx, batchOf(baseTime.Add(time.Hour), entry)); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	removed, err := s.PruneListings(ctx)
	if err != nil {
		t.Fatalf("PruneListings: %v", err)
	}
	if removed != 0 {
		t.Fatalf("removed %d members still inside their window", removed)
	}

	s.now = func() time.Time { return baseTime.Add(2 * time.Hour) }
	removed, err = s.PruneListings(ctx)
	if err != nil {
		t.Fatalf("PruneListings: %v", err)
	}
	if removed != 4 {
		t.Fatalf("removed = %d, want 4 (url, ip, asn, cc)", removed)
	}
	if mr.Exists(urlsKey) {
		t.Fatal("url set still present after pruning its only member")
	}
}

func TestUnavailable(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Close()
	ctx := context.Background()

	if s.Ping(ctx) {
		t.Fatal("Ping reported a closed server as up")
	}
	if _, err := s.URLs(ctx); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("URLs error = %v, want ErrUnavailable", err)
	}
	if _, _, err := s.Entry(ctx, "http://x"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Entry error = %v, want ErrUnavailable", err)
	}
	if _, err := s.Counts(ctx); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Counts error = %v, want ErrUnavailable", err)
	}
	err := s.Apply(ctx, batchOf(baseTime, sampleEntry("http://x", "1.1.1.1", "AS1", "US")))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Apply error = %v, want ErrUnavailable", err)
	}
}
