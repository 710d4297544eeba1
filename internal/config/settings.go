package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-playground/validator/v10"

	"phishlookup/internal/support"
)

const (
	defaultRedisURL       = "redis://localhost:6379/0"
	defaultDataDir        = "data"
	defaultUserAgent      = "phishtank-lookup/1.0"
	defaultExpireURLs     = 6
	defaultFetchFrequency = 1
	defaultLookupPort     = 5300

	feedBaseURL = "https://data.phishtank.com/data"
	feedFile    = "online-valid.json.bz2"
)

// Settings holds everything the importer and the lookup API need. It is built
// once at startup and handed to constructors.
type Settings struct {
	RedisURL string `validate:"required,url"`
	DataDir  string `validate:"required"`

	APIKey    string
	UserAgent string `validate:"required"`
	FeedURL   string `validate:"required,url"`

	// ExpireURLs is how long, in hours, an imported URL stays listed.
	ExpireURLs int `validate:"min=1"`
	// FetchFrequency is the minimum age, in hours, of a dump before a new one is fetched.
	FetchFrequency int `validate:"min=1"`

	LookupPort  int `validate:"min=1,max=65535"`
	MetricsPort int `validate:"min=0,max=65535"`

	GeoLiteASNDB      string
	GeoLiteCountryDB  string
	// GeoLiteLicenseKey lets the importer download missing databases.
	GeoLiteLicenseKey string

	HistoryDSN string

	LogLevel log.Level
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads the settings from the environment and validates them.
func Load() (Settings, error) {
	s := Settings{
		RedisURL:          support.GetEnv("REDIS_URL", defaultRedisURL),
		DataDir:           support.GetEnv("DATA_DIR", defaultDataDir),
		APIKey:            strings.TrimSpace(support.GetEnv("PHISHTANK_API_KEY", "")),
		UserAgent:         support.GetEnv("PHISHTANK_USERAGENT", defaultUserAgent),
		ExpireURLs:        support.GetEnvInt("EXPIRE_URLS", defaultExpireURLs),
		FetchFrequency:    support.GetEnvInt("DUMP_FETCH_FREQUENCY", defaultFetchFrequency),
		LookupPort:        support.GetEnvInt("LOOKUP_PORT", defaultLookupPort),
		MetricsPort:       support.GetEnvInt("METRICS_PORT", 0),
		GeoLiteASNDB:      support.GetEnv("GEOLITE_ASN_DB", ""),
		GeoLiteCountryDB:  support.GetEnv("GEOLITE_COUNTRY_DB", ""),
		GeoLiteLicenseKey: support.GetEnv("GEOLITE_LICENSE_KEY", ""),
		HistoryDSN:        support.GetEnv("HISTORY_DSN", ""),
		LogLevel:          log.InfoLevel,
	}

	s.FeedURL = strings.TrimSpace(support.GetEnv("PHISHTANK_FEED_URL", ""))
	if s.FeedURL == "" {
		s.FeedURL = BuildFeedURL(s.APIKey)
	}

	if raw := support.GetEnv("LOG_LEVEL", ""); raw != "" {
		level, err := log.ParseLevel(raw)
		if err != nil {
			return Settings{}, fmt.Errorf("config: LOG_LEVEL: %w", err)
		}
		s.LogLevel = level
	}

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("config: invalid settings: %w", err)
	}
	return nil
}

// BuildFeedURL returns the dump location, keyed by apiKey when one is set.
func BuildFeedURL(apiKey string) string {
	if apiKey == "" {
		return feedBaseURL + "/" + feedFile
	}
	return feedBaseURL + "/" + apiKey + "/" + feedFile
}

func (s Settings) ArchiveDir() string {
	return filepath.Join(s.DataDir, "archive")
}

// CompressedFeed reports whether the feed body is bzip2 compressed. Legacy
// feeds ending in .json are served as raw JSON.
func (s Settings) CompressedFeed() bool {
	path := s.FeedURL
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	return !strings.HasSuffix(strings.ToLower(path), ".json")
}

func (s Settings) FetchInterval() time.Duration {
	return time.Duration(s.FetchFrequency) * time.Hour
}

func (s Settings) ExpireWindow() time.Duration {
	return time.Duration(s.ExpireURLs) * time.Hour
}

// RecordTTL is how long a URL record lives. It outlasts the listing window by
// one fetch interval so a record never disappears while its URL is listed.
func (s Settings) RecordTTL() time.Duration {
	return s.ExpireWindow() + s.FetchInterval()
}
