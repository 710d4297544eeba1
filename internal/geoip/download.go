package geoip

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

const (
	maxMindDownloadURL = "https://download.maxmind.com/app/geoip_download"
	downloadUserAgent  = "phishlookup-geolite/1.0"

	EditionASN     = "GeoLite2-ASN"
	EditionCountry = "GeoLite2-Country"
)

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Downloader fetches GeoLite2 databases from MaxMind.
type Downloader struct {
	client     HTTPDoer
	baseURL    string
	licenseKey string
}

func NewDownloader(client HTTPDoer, licenseKey string) *Downloader {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Downloader{client: client, baseURL: maxMindDownloadURL, licenseKey: strings.TrimSpace(licenseKey)}
}

// EnsureDatabases downloads every configured database missing on disk.
// Without a license key it does nothing.
func (d *Downloader) EnsureDatabases(ctx context.Context, asnPath, countryPath string) error {
	if d.licenseKey == "" {
		return nil
	}

	targets := []struct {
		edition string
		path    string
	}{
		{EditionASN, strings.TrimSpace(asnPath)},
		{EditionCountry, strings.TrimSpace(countryPath)},
	}
	for _, target := range targets {
		if target.path == "" {
			continue
		}
		if _, err := os.Stat(target.path); err == nil {
			continue
		}
		if err := d.Download(ctx, target.edition, target.path); err != nil {
			return err
		}
		log.Info("GeoLite database downloaded", "edition", target.edition, "path", target.path)
	}
	return nil
}

// Download writes the mmdb file of edition to destPath.
func (d *Downloader) Download(ctx context.Context, edition, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.downloadURL(edition), nil)
	if err != nil {
		return fmt.Errorf("geoip: create request: %w", err)
	}
	req.Header.Set("User-Agent", downloadUserAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("geoip: download %s: %w", edition, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("geoip: download %s: unexpected status %d: %s", edition, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	gzipReader, err := gzip.NewReader(resp.Body)
	if err != nil {
		return fmt.Errorf("geoip: %s: open gzip: %w", edition, err)
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)
	want := edition + ".mmdb"
	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("geoip: %s: read tar: %w", edition, err)
		}
		if header.Typeflag != tar.TypeReg || filepath.Base(header.Name) != want {
			continue
		}
		if err := writeToFile(destPath, tarReader); err != nil {
			return fmt.Errorf("geoip: %s: write file: %w", edition, err)
		}
		return nil
	}

	return fmt.Errorf("geoip: %s: mmdb file not found in archive", edition)
}

func (d *Downloader) downloadURL(edition string) string {
	q := url.Values{}
	q.Set("edition_id", edition)
	q.Set("license_key", d.licenseKey)
	q.Set("suffix", "tar.gz")
	return d.baseURL + "?" + q.Encode()
}

func writeToFile(destPath string, data io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), "geolite-*.mmdb")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmpFile.Name())
	}()

	if _, err := io.Copy(tmpFile, data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("copy data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	return os.Rename(tmpFile.Name(), destPath)
}
