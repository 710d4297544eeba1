package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"phishlookup/internal/domain"
	"phishlookup/internal/metrics"
	"phishlookup/internal/store"
)

const shutdownGrace = 10 * time.Second

// Lookup is the read side of the store.
type Lookup interface {
	Ping(ctx context.Context) bool
	Entry(ctx context.Context, url string) (domain.Entry, bool, error)
	URLs(ctx context.Context) ([]string, error)
	Keys(ctx context.Context, f store.Family) ([]string, error)
	URLsBy(ctx context.Context, f store.Family, value string) ([]string, error)
	Counts(ctx context.Context) (store.Counts, error)
}

// History exposes past import runs. A nil History reports none.
type History interface {
	Recent(ctx context.Context, limit int) ([]domain.ImportRun, error)
	LastImport(ctx context.Context) (*domain.ImportRun, error)
}

type Options struct {
	ExpireURLs     int
	FetchFrequency int
	// Importers counts the importer processes currently alive.
	Importers func(ctx context.Context) (int, error)
}

type Server struct {
	lookup  Lookup
	history History
	opts    Options

	graphQLOnce    sync.Once
	graphQLHandler http.Handler
	graphQLErr     error
}

func New(lookup Lookup, history History, opts Options) *Server {
	return &Server{lookup: lookup, history: history, opts: opts}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError answers a failed store call.
func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrUnavailable) {
		log.Warn("Store unavailable", "path", r.URL.Path, "error", err)
		writeError(w, "backend unavailable", http.StatusServiceUnavailable)
		return
	}
	log.Error("Lookup failed", "path", r.URL.Path, "error", err)
	writeError(w, "internal error", http.StatusInternalServerError)
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// instrument counts requests by matched route and status code.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		metrics.APIRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	})
}

// Handler returns the lookup API.
func (s *Server) Handler() http.Handler {
	router := http.NewServeMux()
	router.HandleFunc("GET /redis_up", s.redisUp)
	router.HandleFunc("GET /info", s.info)
	router.HandleFunc("GET /imports", s.imports)
	router.HandleFunc("GET /version", getVersion)

	router.HandleFunc("GET /checkurl", s.checkURLQuery)
	router.HandleFunc("POST /checkurl", s.checkURLBody)
	router.HandleFunc("GET /url", s.url)

	router.HandleFunc("GET /urls", s.urls)
	router.HandleFunc("GET /ips", s.listFamily(store.FamilyIP))
	router.HandleFunc("GET /asns", s.listFamily(store.FamilyASN))
	router.HandleFunc("GET /ccs", s.listFamily(store.FamilyCC))

	router.HandleFunc("GET /urls_by_ip", s.urlsBy(store.FamilyIP, "ip", "The IP is required..."))
	router.HandleFunc("GET /urls_by_asn", s.urlsBy(store.FamilyASN, "asn", "The ASN is required..."))
	router.HandleFunc("GET /urls_by_cc", s.urlsBy(store.FamilyCC, "cc", "The Country Code is required..."))

	router.HandleFunc("GET /graphql", s.graphQL)
	router.HandleFunc("POST /graphql", s.graphQL)

	router.Handle("GET /metrics", promhttp.Handler())

	return enableCORS(instrument(router))
}

// Serve listens on port until ctx is done, then drains in-flight requests.
func Serve(ctx context.Context, name string, port int, handler http.Handler) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Infof("Starting %s on port :%d", name, port)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s failed: %w", name, err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s shutdown: %w", name, err)
	}
	log.Infof("Stopped %s", name)
	return nil
}

// MetricsHandler serves only the prometheus endpoint.
func MetricsHandler() http.Handler {
	router := http.NewServeMux()
	router.Handle("GET /metrics", promhttp.Handler())
	return router
}
