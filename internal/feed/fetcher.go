package feed

import (
	"bytes"
	"compress/bzip2"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/net/html"

	"phishlookup/internal/metrics"
)

const (
	maxBodyBytes    = 256 << 20
	maxDumpBytes    = 2 << 30
	maxTitleLength  = 120
	defaultTimeout  = 5 * time.Minute
	tempDumpPattern = "dump-*.tmp"
)

var (
	ErrNotStale         = errors.New("feed: latest dump is still fresh")
	ErrUnexpectedStatus = errors.New("feed: unexpected status")
	ErrEmptyBody        = errors.New("feed: empty response body")
	ErrHTMLPage         = errors.New("feed: provider returned an HTML page")
	ErrDecode           = errors.New("feed: cannot decode dump")
)

// HTTPDoer is the part of *http.Client the fetcher needs.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Options struct {
	FeedURL    string
	UserAgent  string
	DataDir    string
	ArchiveDir string
	// FetchInterval is the minimum age of the newest dump before a new one is downloaded.
	FetchInterval time.Duration
	// Compressed tells whether the body is bzip2 compressed JSON or raw JSON.
	Compressed bool
}

// Fetcher decides when a new dump is due, downloads it and saves it in the
// data directory.
type Fetcher struct {
	client HTTPDoer
	opts   Options
	now    func() time.Time
}

func New(client HTTPDoer, opts Options) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &Fetcher{client: client, opts: opts, now: time.Now}
}

// Next returns the path of a freshly downloaded dump. The boolean is false
// when there is nothing to import this cycle; the reason has been logged.
func (f *Fetcher) Next(ctx context.Context) (string, bool) {
	path, err := f.fetch(ctx)
	switch {
	case err == nil:
		metrics.FetchOutcomes.WithLabelValues(metrics.FetchDownloaded).Inc()
		log.Info("Fetching done", "file", path)
		return path, true
	case errors.Is(err, ErrNotStale):
		metrics.FetchOutcomes.WithLabelValues(metrics.FetchFresh).Inc()
		log.Info("Interval not expired, not fetching", "detail", err)
	case errors.Is(err, ErrHTMLPage):
		metrics.FetchOutcomes.WithLabelValues(metrics.FetchHTMLPage).Inc()
		log.Error("Got an HTML page instead of the dump, will try again later", "error", err)
	case errors.Is(err, ErrEmptyBody):
		metrics.FetchOutcomes.WithLabelValues(metrics.FetchEmpty).Inc()
		log.Error("Dump received from the feed is empty", "url", f.opts.FeedURL)
	case errors.Is(err, ErrDecode):
		metrics.FetchOutcomes.WithLabelValues(metrics.FetchUndecodable).Inc()
		log.Error("Error while reading the dump", "url", f.opts.FeedURL, "error", err)
	default:
		metrics.FetchOutcomes.WithLabelValues(metrics.FetchFailed).Inc()
		log.Error("Fetching failed", "url", f.opts.FeedURL, "error", err)
	}
	return "", false
}

func (f *Fetcher) fetch(ctx context.Context) (string, error) {
	if err := os.MkdirAll(f.opts.DataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}

	dumps, err := listDumps(f.opts.DataDir)
	if err != nil {
		return "", fmt.Errorf("list dumps: %w", err)
	}

	now := f.now()
	if len(dumps) > 0 {
		latest := dumps[0]
		if next := latest.FetchedAt.Add(f.opts.FetchInterval); now.Before(next) {
			return "", fmt.Errorf("%w: next fetch after %s", ErrNotStale, next.Format(time.RFC3339))
		}
		f.archive(dumps)
	}

	log.Info("Fetching new dump...", "url", f.opts.FeedURL)
	payload, err := f.download(ctx)
	if err != nil {
		return "", err
	}

	return writeDump(f.opts.DataDir, dumpName(now), payload)
}

// archive moves superseded dumps to the archive directory. Failures are only
// logged: a stale dump left behind must not prevent the next fetch.
func (f *Fetcher) archive(dumps []Dump) {
	log.Info("Interval expired, archiving old dumps...", "count", len(dumps))
	var errs []error
	for _, d := range dumps {
		if err := archiveDump(d.Path, f.opts.ArchiveDir); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", filepath.Base(d.Path), err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn("Archiving failed", "error", err)
		return
	}
	log.Info("Archiving over")
}

func (f *Fetcher) download(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.opts.FeedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if len(body) > 0 && body[0] == '<' {
		return nil, fmt.Errorf("%w (status %d, title %q)", ErrHTMLPage, resp.StatusCode, pageTitle(body))
	}
	if resp.StatusCode != http.StatusOK {
		snippet := body
		if len(snippet) > 2048 {
			snippet = snippet[:2048]
		}
		return nil, fmt.Errorf("%w %d: %s", ErrUnexpectedStatus, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if len(body) == 0 {
		return nil, ErrEmptyBody
	}

	return decodeDump(body, f.opts.Compressed)
}

// decodeDump decompresses body when needed and checks it is a JSON array.
func decodeDump(body []byte, compressed bool) ([]byte, error) {
	payload := body
	if compressed {
		var err error
		payload, err = io.ReadAll(io.LimitReader(bzip2.NewReader(bytes.NewReader(body)), maxDumpBytes))
		if err != nil {
			return nil, fmt.Errorf("%w: bzip2: %w", ErrDecode, err)
		}
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(payload, &entries); err != nil {
		return nil, fmt.Errorf("%w: json: %w", ErrDecode, err)
	}
	if entries == nil {
		return nil, fmt.Errorf("%w: dump is not a list", ErrDecode)
	}
	return payload, nil
}

func writeDump(dir, name string, payload []byte) (string, error) {
	tmp, err := os.CreateTemp(dir, tempDumpPattern)
	if err != nil {
		return "", fmt.Errorf("create temp dump: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write dump: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("sync dump: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close dump: %w", err)
	}

	dest := filepath.Join(dir, name)
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", fmt.Errorf("move dump into place: %w", err)
	}
	return dest, nil
}

// pageTitle returns the <title> of an HTML error page, for logging.
func pageTitle(body []byte) string {
	z := html.NewTokenizer(bytes.NewReader(body))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return ""
		case html.StartTagToken:
			name, _ := z.TagName()
			if string(name) != "title" {
				continue
			}
			if z.Next() != html.TextToken {
				return ""
			}
			title := strings.Join(strings.Fields(string(z.Text())), " ")
			if len(title) > maxTitleLength {
				title = title[:maxTitleLength]
			}
			return title
		}
	}
}
