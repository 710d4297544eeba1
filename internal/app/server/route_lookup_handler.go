package server

import (
	"encoding/json"
	"io"
	"net/http"

	"phishlookup/internal/domain"
	"phishlookup/internal/store"
)

const (
	errURLRequired = "The URL is required..."
	maxBodyBytes   = 1 << 20
)

type checkURLResponse struct {
	URL             string `json:"url,omitempty"`
	InDatabase      bool   `json:"in_database"`
	PhishID         string `json:"phish_id,omitempty"`
	PhishDetailPage string `json:"phish_detail_page,omitempty"`
	Verified        string `json:"verified,omitempty"`
	VerifiedAt      string `json:"verified_at,omitempty"`
	Valid           string `json:"valid,omitempty"`
}

func (s *Server) checkURLQuery(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, errURLRequired, http.StatusBadRequest)
		return
	}
	s.checkURL(w, r, url)
}

// checkURLBody reads {"url": ...} whatever the content type. A body that is
// not a JSON object counts as a missing url.
func (s *Server) checkURLBody(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&payload); err != nil || payload.URL == "" {
		writeError(w, errURLRequired, http.StatusBadRequest)
		return
	}
	s.checkURL(w, r, payload.URL)
}

func (s *Server) checkURL(w http.ResponseWriter, r *http.Request, url string) {
	entry, ok, err := s.lookup.Entry(r.Context(), url)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, checkURLResponse{InDatabase: false})
		return
	}

	writeJSON(w, http.StatusOK, checkURLResponse{
		URL:             url,
		InDatabase:      true,
		PhishID:         entry.Value(domain.FieldPhishID),
		PhishDetailPage: entry.Value(domain.FieldPhishDetailURL),
		Verified:        "y",
		VerifiedAt:      entry.Value(domain.FieldVerificationTime),
		Valid:           "y",
	})
}

// url answers the record with every key the feed sent, or null for a URL that
// is not in the database.
func (s *Server) url(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, errURLRequired, http.StatusBadRequest)
		return
	}

	entry, ok, err := s.lookup.Entry(r.Context(), url)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) urls(w http.ResponseWriter, r *http.Request) {
	urls, err := s.lookup.URLs(r.Context())
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, urls)
}

func (s *Server) listFamily(f store.Family) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keys, err := s.lookup.Keys(r.Context(), f)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, keys)
	}
}

func (s *Server) urlsBy(f store.Family, param, missing string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		value := r.URL.Query().Get(param)
		if value == "" {
			writeError(w, missing, http.StatusBadRequest)
			return
		}

		urls, err := s.lookup.URLsBy(r.Context(), f, value)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, urls)
	}
}
