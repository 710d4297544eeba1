package feed

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var fetchTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type mockTransport struct {
	body       []byte
	statusCode int
	err        error
	requests   []*http.Request
}

func (m *mockTransport) Do(req *http.Request) (*http.Response, error) {
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	return &http.Response{
		StatusCode: m.statusCode,
		Body:       io.NopCloser(bytes.NewReader(m.body)),
	}, nil
}

func loadFixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("read fixture %s: %v", name, err)
	}
	return data
}

func newTestFetcher(t *testing.T, transport *mockTransport, compressed bool) (*Fetcher, string) {
	t.Helper()
	dir := t.TempDir()
	f := New(transport, Options{
		FeedURL:       "https://data.phishtank.com/data/online-valid.json.bz2",
		UserAgent:     "phishlookup-test/1.0",
		DataDir:       dir,
		ArchiveDir:    filepath.Join(dir, "archive"),
		FetchInterval: time.Hour,
		Compressed:    compressed,
	})
	f.now = func() time.Time { return fetchTime }
	return f, dir
}

func TestFetchDownloadsAndSaves(t *testing.T) {
	transport := &mockTransport{body: loadFixture(t, "online-valid.json.bz2"), statusCode: http.StatusOK}
	f, dir := newTestFetcher(t, transport, true)

	path, err := f.fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	if want := filepath.Join(dir, "2024-05-01T12:00:00.000000.json"); path != want {
		t.Fatalf("path = %s, want %s", path, want)
	}
	saved, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read saved dump: %v", err)
	}
	if !bytes.Equal(saved, loadFixture(t, "online-valid.json")) {
		t.Fatal("saved dump differs from decompressed feed")
	}

	if len(transport.requests) != 1 {
		t.Fatalf("requests = %d, want 1", len(transport.requests))
	}
	if ua := transport.requests[0].Header.Get("User-Agent"); ua != "phishlookup-test/1.0" {
		t.Fatalf("User-Agent = %q", ua)
	}
}

func TestFetchLegacyRawJSON(t *testing.T) {
	transport := &mockTransport{body: loadFixture(t, "online-valid.json"), statusCode: http.StatusOK}
	f, _ := newTestFetcher(t, transport, false)

	if _, err := f.fetch(context.Background()); err != nil {
		t.Fatalf("fetch: %v", err)
	}
}

func TestFetchSkipsWhenDumpIsFresh(t *testing.T) {
	transport := &mockTransport{body: loadFixture(t, "online-valid.json.bz2"), statusCode: http.StatusOK}
	f, dir := newTestFetcher(t, transport, true)

	recent := filepath.Join(dir, dumpName(fetchTime.Add(-30*time.Minute)))
	if err := os.WriteFile(recent, []byte("[]"), 0o644); err != nil {
		t.Fatalf("seed dump: %v", err)
	}

	path, ok := f.Next(context.Background())
	if ok || path != "" {
		t.Fatalf("Next = %q, %v; want nothing to import", path, ok)
	}
	if len(transport.requests) != 0 {
		t.Fatal("feed was requested although the dump is fresh")
	}

	_, err := f.fetch(context.Background())
	if !errors.Is(err, ErrNotStale) {
		t.Fatalf("fetch error = %v, want ErrNotStale", err)
	}

	dumps, _ := listDumps(dir)
	if len(dumps) != 1 {
		t.Fatalf("dumps = %d, want the single fresh dump", len(dumps))
	}
}

func TestFetchArchivesStaleDump(t *testing.T) {
	transport := &mockTransport{body: loadFixture(t, "online-valid.json.bz2"), statusCode: http.StatusOK}
	f, dir := newTestFetcher(t, transport, true)

	oldName := dumpName(fetchTime.Add(-2 * time.Hour))
	oldContent := []byte(`[{"url":"http://old.example"}]`)
	if err := os.WriteFile(filepath.Join(dir, oldName), oldContent, 0o644); err != nil {
		t.Fatalf("seed dump: %v", err)
	}

	if _, ok := f.Next(context.Background()); !ok {
		t.Fatal("Next reported nothing to import for a stale dump")
	}

	if _, err := os.Stat(filepath.Join(dir, oldName)); !os.IsNotExist(err) {
		t.Fatalf("stale dump still in data dir: %v", err)
	}

	archived, err := os.Open(filepath.Join(dir, "archive", oldName+".gz"))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer archived.Close()

	zr, err := gzip.NewReader(archived)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	content, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	if !bytes.Equal(content, oldContent) {
		t.Fatalf("archived content = %q", content)
	}
}

func TestFetchFailures(t *testing.T) {
	tests := []struct {
		name       string
		transport  *mockTransport
		compressed bool
		wantErr    error
	}{
		{
			name:       "html error page",
			transport:  &mockTransport{body: loadFixture(t, "error-page.html"), statusCode: http.StatusOK},
			compressed: true,
			wantErr:    ErrHTMLPage,
		},
		{
			name:       "html error page with error status",
			transport:  &mockTransport{body: loadFixture(t, "error-page.html"), statusCode: http.StatusServiceUnavailable},
			compressed: true,
			wantErr:    ErrHTMLPage,
		},
		{
			name:       "empty body",
			transport:  &mockTransport{body: nil, statusCode: http.StatusOK},
			compressed: true,
			wantErr:    ErrEmptyBody,
		},
		{
			name:       "corrupt bzip2",
			transport:  &mockTransport{body: loadFixture(t, "not-bzip2.bin"), statusCode: http.StatusOK},
			compressed: true,
			wantErr:    ErrDecode,
		},
		{
			name:       "raw json expected but compressed served",
			transport:  &mockTransport{body: loadFixture(t, "online-valid.json.bz2"), statusCode: http.StatusOK},
			compressed: false,
			wantErr:    ErrDecode,
		},
		{
			name:       "json object instead of list",
			transport:  &mockTransport{body: []byte(`{"error":"quota"}`), statusCode: http.StatusOK},
			compressed: false,
			wantErr:    ErrDecode,
		},
		{
			name:       "unexpected status",
			transport:  &mockTransport{body: []byte("slow down"), statusCode: http.StatusTooManyRequests},
			compressed: true,
			wantErr:    ErrUnexpectedStatus,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, dir := newTestFetcher(t, tt.transport, tt.compressed)

			_, err := f.fetch(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("fetch error = %v, want %v", err, tt.wantErr)
			}

			if path, ok := f.Next(context.Background()); ok || path != "" {
				t.Fatalf("Next = %q, %v; want nothing to import", path, ok)
			}

			dumps, _ := listDumps(dir)
			if len(dumps) != 0 {
				t.Fatalf("failed fetch left %d dumps behind", len(dumps))
			}
		})
	}
}

func TestFetchNetworkError(t *testing.T) {
	f, _ := newTestFetcher(t, &mockTransport{err: io.ErrUnexpectedEOF}, true)

	if _, err := f.fetch(context.Background()); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("fetch error = %v, want wrapped transport error", err)
	}
	if _, ok := f.Next(context.Background()); ok {
		t.Fatal("Next reported a dump after a network error")
	}
}

func TestPageTitle(t *testing.T) {
	if got := pageTitle(loadFixture(t, "error-page.html")); got != "Just a moment..." {
		t.Fatalf("pageTitle = %q", got)
	}
	if got := pageTitle([]byte("<html><body>no title</body></html>")); got != "" {
		t.Fatalf("pageTitle without title = %q", got)
	}
}
