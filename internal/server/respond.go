package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/stillframe/shoebox/internal/faults"
)

// Pagination bounds for browse and search.
const (
	defaultPageLimit = 100
	maxPageLimit     = 500
)

// placeholderSVG stands in wherever an image is expected but none exists:
// a neutral frame with a sun and hills.
const placeholderSVG = `<svg xmlns="http://www.w3.org/2000/svg" width="500" height="500" viewBox="0 0 500 500"><rect width="500" height="500" fill="#2b2b2b"/><circle cx="250" cy="205" r="65" fill="#3d3d3d"/><path d="M90 405l100-115 70 78 62-68 88 105z" fill="#3d3d3d"/></svg>`

// errorBody is the JSON envelope every API error leaves through.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encode response", slog.Any("error", err))
	}
}

// writeFault maps an error to its HTTP status through the fault taxonomy
// and renders the envelope. Server-side kinds are logged with the route.
func (s *Server) writeFault(w http.ResponseWriter, r *http.Request, err error) {
	kind := faults.KindOf(err)
	status := faults.HTTPStatus(kind)

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
	}

	s.writeJSON(w, status, errorBody{Error: errorDetail{
		Kind:    kind.String(),
		Code:    faults.CodeOf(err),
		Message: err.Error(),
	}})
}

// writeSVG renders the placeholder with the given status. Placeholders are
// transient states and must never be cached.
func (s *Server) writeSVG(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "image/svg+xml")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)

	if _, err := io.WriteString(w, placeholderSVG); err != nil {
		s.logger.Debug("write placeholder", slog.Any("error", err))
	}
}

// pageParams reads page and limit with their defaults and clamps.
func pageParams(r *http.Request) (page, limit int) {
	page = positiveParam(r, "page", 1)

	limit = positiveParam(r, "limit", defaultPageLimit)
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	return page, limit
}

func positiveParam(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}

	return n
}
