package server

import (
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"

	"phishlookup/internal/domain"
	"phishlookup/internal/history"
)

type infoResponse struct {
	ExpireURLs         int               `json:"expire_urls"`
	DumpFetchFrequency int               `json:"dump_fetch_frequency"`
	UniqueURLs         int64             `json:"unique_urls"`
	UniqueIPs          int64             `json:"unique_ips"`
	UniqueASNs         int64             `json:"unique_asns"`
	UniqueCCs          int64             `json:"unique_ccs"`
	ActiveImporters    *int              `json:"active_importers,omitempty"`
	LastImport         *domain.ImportRun `json:"last_import,omitempty"`
}

func (s *Server) redisUp(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.lookup.Ping(r.Context()))
}

func (s *Server) info(w http.ResponseWriter, r *http.Request) {
	counts, err := s.lookup.Counts(r.Context())
	if err != nil {
		writeStoreError(w, r, err)
		return
	}

	resp := infoResponse{
		ExpireURLs:         s.opts.ExpireURLs,
		DumpFetchFrequency: s.opts.FetchFrequency,
		UniqueURLs:         counts.URLs,
		UniqueIPs:          counts.IPs,
		UniqueASNs:         counts.ASNs,
		UniqueCCs:          counts.CCs,
	}

	if s.opts.Importers != nil {
		if n, err := s.opts.Importers(r.Context()); err != nil {
			log.Warn("Failed to count importers", "error", err)
		} else {
			resp.ActiveImporters = &n
		}
	}

	if s.history != nil {
		last, err := s.history.LastImport(r.Context())
		if err != nil {
			log.Warn("Failed to read last import", "error", err)
		}
		resp.LastImport = last
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) imports(w http.ResponseWriter, r *http.Request) {
	limit := history.DefaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, history.MaxRecentLimit)
	}

	runs := []domain.ImportRun{}
	if s.history != nil {
		recent, err := s.history.Recent(r.Context(), limit)
		if err != nil {
			log.Error("Failed to list imports", "error", err)
			writeError(w, "internal error", http.StatusInternalServerError)
			return
		}
		if recent != nil {
			runs = recent
		}
	}
	writeJSON(w, http.StatusOK, runs)
}
