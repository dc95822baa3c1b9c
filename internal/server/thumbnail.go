package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/stillframe/shoebox/internal/catalog"
	"github.com/stillframe/shoebox/internal/faults"
	"github.com/stillframe/shoebox/internal/media"
	"github.com/stillframe/shoebox/internal/pool"
	"github.com/stillframe/shoebox/internal/thumbs"
)

// headerRateLimit flags throttled thumbnail responses.
const headerRateLimit = "X-Rate-Limit"

// thumbCacheControl lets clients keep a landed artifact for 30 days; the
// artifact path never serves different bytes for the same source.
const thumbCacheControl = "public, max-age=2592000"

// handleThumbnail serves the artifact when it exists and an SVG placeholder
// otherwise: 202 while generating, 429 when throttled, 404 for everything
// that cannot produce an image. Image endpoints answer with images, never
// JSON, so a broken <img> stays a picture.
func (s *Server) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	rel, err := media.Normalize(r.URL.Query().Get("path"))
	if err != nil || rel == "" {
		s.writeSVG(w, http.StatusNotFound)

		return
	}

	ticket, err := s.opts.Thumbs.EnsureThumbnail(r.Context(), s.opts.Thumbs.SourceAbs(rel), rel)
	if err != nil {
		if faults.CodeOf(err) == faults.CodeRateLimitExceeded {
			w.Header().Set(headerRateLimit, "exceeded")
			s.writeSVG(w, http.StatusTooManyRequests)

			return
		}

		s.writeSVG(w, http.StatusNotFound)

		return
	}

	if ticket.Status == catalog.StatusExists {
		w.Header().Set("Cache-Control", thumbCacheControl)
		http.ServeFile(w, r, ticket.ArtifactPath)

		return
	}

	s.writeSVG(w, http.StatusAccepted)
}

type batchRequest struct {
	Limit int  `json:"limit"`
	Loop  bool `json:"loop"`
}

type batchData struct {
	Processed int `json:"processed"`
	Queued    int `json:"queued"`
	Skipped   int `json:"skipped"`
	Limit     int `json:"limit"`
}

type batchResponse struct {
	Success bool      `json:"success"`
	Message string    `json:"message"`
	Data    batchData `json:"data"`
}

// handleThumbnailBatch triggers a back-fill round, or a self-driving loop
// of rounds when the body asks for one. Runs outside the request timeout.
func (s *Server) handleThumbnailBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest

	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		s.writeFault(w, r, faults.Wrap(faults.KindValidation, "", "decode body", err))

		return
	}

	sum, err := s.opts.Thumbs.BatchBackfillMissing(r.Context(), req.Limit, req.Loop)
	if err != nil {
		s.writeFault(w, r, err)

		return
	}

	limit := req.Limit
	if limit <= 0 {
		limit = thumbs.DefaultBatchLimit
	}

	s.writeJSON(w, http.StatusOK, batchResponse{
		Success: true,
		Message: fmt.Sprintf("processed %d of %d missing thumbnails", sum.Processed, sum.FoundMissing),
		Data: batchData{
			Processed: sum.Processed,
			Queued:    sum.Queued,
			Skipped:   sum.Skipped,
			Limit:     limit,
		},
	})
}

type statsDebug struct {
	Pool       pool.Health `json:"pool"`
	RateWindow rateWindow  `json:"rateWindow"`
}

type rateWindow struct {
	Used  int `json:"used"`
	Limit int `json:"limit"`
}

type statsResponse struct {
	Counts map[catalog.ArtifactStatus]int64 `json:"counts"`
	Active int                              `json:"active"`
	Debug  *statsDebug                      `json:"debug,omitempty"`
}

func (s *Server) handleThumbnailStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.opts.Store.ThumbStatusCounts(r.Context())
	if err != nil {
		s.writeFault(w, r, err)

		return
	}

	resp := statsResponse{
		Counts: counts,
		Active: s.opts.Thumbs.ActiveCount(),
	}

	if r.URL.Query().Get("debug") != "" {
		used, limit := s.opts.Thumbs.LimiterSnapshot()
		resp.Debug = &statsDebug{
			Pool:       s.opts.Thumbs.Health(),
			RateWindow: rateWindow{Used: used, Limit: limit},
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}
