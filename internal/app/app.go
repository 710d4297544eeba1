package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"phishlookup/internal/app/server"
	"phishlookup/internal/app/version"
	"phishlookup/internal/config"
	"phishlookup/internal/domain"
	"phishlookup/internal/feed"
	"phishlookup/internal/geoip"
	"phishlookup/internal/history"
	"phishlookup/internal/importer"
	"phishlookup/internal/jobs/maintenance"
	"phishlookup/internal/jobs/runtime"
	"phishlookup/internal/store"
	"phishlookup/internal/support"
)

const (
	leaderLockTTL = 30 * time.Second
	// onceLockWait bounds how long -once waits for a running importer to
	// release the import lock before it skips the cycle.
	onceLockWait = 10 * time.Second
)

func loadSettings() (config.Settings, error) {
	if err := godotenv.Load(); err != nil {
		log.Warn("No .env file found. Falling back to system environment variables.")
	}

	settings, err := config.Load()
	if err != nil {
		return config.Settings{}, err
	}
	log.SetLevel(settings.LogLevel)
	return settings, nil
}

// RunImporter fetches and imports the feed until SIGINT or SIGTERM.
func RunImporter() error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}

	metricsPortFlag := flag.Int("metrics-port", 0, "Port for the prometheus endpoint (overrides METRICS_PORT)")
	onceFlag := flag.Bool("once", false, "Run a single fetch and import cycle, then exit")
	flag.Parse()

	metricsPort := resolvePort(*metricsPortFlag, "IMPORTER_METRICS_PORT", settings.MetricsPort)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := support.NewRedisClient(ctx, settings.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to get redis client: %w", err)
	}
	defer client.Close()

	if err := support.EnsureDir(settings.ArchiveDir()); err != nil {
		return err
	}

	downloader := geoip.NewDownloader(nil, settings.GeoLiteLicenseKey)
	if err := downloader.EnsureDatabases(ctx, settings.GeoLiteASNDB, settings.GeoLiteCountryDB); err != nil {
		return err
	}

	enricher, err := geoip.Open(settings.GeoLiteASNDB, settings.GeoLiteCountryDB)
	if err != nil {
		return err
	}
	defer enricher.Close()

	ledger, err := history.Open(settings.HistoryDSN)
	if err != nil {
		return err
	}
	defer ledger.Close()

	var importOpts []importer.Option
	if enricher != nil {
		importOpts = append(importOpts, importer.WithEnricher(enricher))
	}
	st := store.New(client)
	imp, err := importer.New(st, settings.ExpireWindow(), settings.RecordTTL(), importOpts...)
	if err != nil {
		return err
	}

	fetcher := feed.New(nil, feed.Options{
		FeedURL:       settings.FeedURL,
		UserAgent:     settings.UserAgent,
		DataDir:       settings.DataDir,
		ArchiveDir:    settings.ArchiveDir(),
		FetchInterval: settings.FetchInterval(),
		Compressed:    settings.CompressedFeed(),
	})

	loopOpts := []runtime.LoopOption{
		runtime.WithLeaderLock(support.NewLeaderLock(client, runtime.ImportLockKey, leaderLockTTL)),
	}
	if ledger != nil {
		loopOpts = append(loopOpts, runtime.WithRecorder(ledger))
	}
	loop := runtime.NewImportLoop(fetcher, imp, settings.FetchInterval(), loopOpts...)

	if *onceFlag {
		return runManualCycle(ctx, loop, onceLockWait)
	}

	log.Info("Importer started",
		"version", version.Get().BuildVersion,
		"feed", feedHost(settings.FeedURL),
		"expire_urls", settings.ExpireURLs,
		"dump_fetch_frequency", settings.FetchFrequency)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		runtime.StartHeartbeat(gctx, client, runtime.DefaultHeartbeatInterval, runtime.DefaultHeartbeatTTL)
		return nil
	})
	g.Go(func() error {
		if err := loop.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		maintenance.StartListingPruneRoutine(gctx, client, st)
		return nil
	})
	if metricsPort > 0 {
		g.Go(func() error {
			return server.Serve(gctx, "importer metrics", metricsPort, server.MetricsHandler())
		})
	}

	return g.Wait()
}

// runManualCycle runs one cycle under the import lock. A cycle skipped because
// another importer kept the lock is not an error.
func runManualCycle(ctx context.Context, loop *runtime.ImportLoop, wait time.Duration) error {
	run, err := loop.RunLocked(ctx, "manual", wait)
	if errors.Is(err, support.ErrLockBusy) {
		log.Warn("Another importer holds the import lock, skipping", "waited", wait)
		return nil
	}
	if err != nil {
		return err
	}
	if run.Outcome == domain.RunFailed {
		return fmt.Errorf("import failed: %s", run.Error)
	}
	return nil
}

// RunLookup serves the lookup API until SIGINT or SIGTERM.
func RunLookup() error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}

	portFlag := flag.Int("port", 0, "Port for the lookup API (overrides LOOKUP_PORT)")
	flag.Parse()

	port := resolvePort(*portFlag, "PORT", settings.LookupPort)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := support.OpenRedisClient(settings.RedisURL)
	if err != nil {
		return err
	}
	defer client.Close()

	st := store.New(client)
	if !st.Ping(ctx) {
		log.Warn("Redis is not reachable yet, serving anyway", "url", settings.RedisURL)
	}

	ledger, err := history.Open(settings.HistoryDSN)
	if err != nil {
		return err
	}
	defer ledger.Close()

	var hist server.History
	if ledger != nil {
		hist = ledger
	}

	srv := server.New(st, hist, server.Options{
		ExpireURLs:     settings.ExpireURLs,
		FetchFrequency: settings.FetchFrequency,
		Importers: func(ctx context.Context) (int, error) {
			return runtime.CountImporters(ctx, client)
		},
	})

	return server.Serve(ctx, "lookup API", port, srv.Handler())
}

// resolvePort picks the flag value, then envKey, then fallback.
func resolvePort(flagPort int, envKey string, fallback int) int {
	if flagPort > 0 {
		return flagPort
	}
	if port := readPort(envKey); port != 0 {
		return port
	}
	return fallback
}

func readPort(envKey string) int {
	raw := os.Getenv(envKey)
	if raw == "" {
		return 0
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port <= 0 || port > 65535 {
		log.Warn("invalid port override", "env", envKey, "value", raw)
		return 0
	}
	return port
}

// feedHost keeps the API key out of the logs.
func feedHost(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil || u.Host == "" {
		return "invalid"
	}
	return u.Scheme + "://" + u.Host
}
