package server

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stillframe/shoebox/internal/catalog"
	"github.com/stillframe/shoebox/internal/faults"
	"github.com/stillframe/shoebox/internal/media"
)

// browseEntry is one cached browse response. Incomplete results carry a
// short client TTL so stale listings self-correct.
type browseEntry struct {
	page       *catalog.Page
	incomplete bool
}

// searchResponse is the search envelope; the key names differ from browse.
type searchResponse struct {
	Results      []catalog.Item `json:"results"`
	TotalResults int            `json:"totalResults"`
	Page         int            `json:"page"`
}

func (s *Server) handleBrowse(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "*")
	if unescaped, err := url.PathUnescape(raw); err == nil {
		raw = unescaped
	}

	rel, err := media.Normalize(raw)
	if err != nil {
		s.writeFault(w, r, err)

		return
	}

	page, limit := pageParams(r)

	sort := catalog.SortByName
	if r.URL.Query().Get("sort") == string(catalog.SortByMTime) {
		sort = catalog.SortByMTime
	}

	key := fmt.Sprintf("%s|%d|%d|%s", rel, page, limit, sort)

	entry, hit := s.browseCache.Get(key)
	if !hit {
		entry, err = s.lookupBrowse(r, rel, page, limit, sort)
		if err != nil {
			s.writeFault(w, r, err)

			return
		}

		s.browseCache.Put(key, entry)
	}

	if entry.incomplete {
		w.Header().Set("Cache-Control", "max-age=10")
	}

	s.writeJSON(w, http.StatusOK, entry.page)
}

// lookupBrowse queries one listing page and classifies it as incomplete
// when the album is unknown, empty, or a full index build is running.
func (s *Server) lookupBrowse(r *http.Request, rel string, page, limit int, sort catalog.BrowseSort) (browseEntry, error) {
	ctx := r.Context()

	result, err := s.opts.Store.Browse(ctx, rel, page, limit, sort)
	if err != nil {
		return browseEntry{}, err
	}

	incomplete := result.TotalResults == 0

	if !incomplete && rel != "" {
		_, found, err := s.opts.Store.ItemByPath(ctx, rel)
		if err != nil {
			return browseEntry{}, err
		}

		incomplete = !found
	}

	if !incomplete {
		prog, err := s.opts.Store.IndexProgress(ctx)
		if err != nil {
			return browseEntry{}, err
		}

		incomplete = prog.State == catalog.IndexBuilding
	}

	return browseEntry{page: result, incomplete: incomplete}, nil
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		s.writeFault(w, r, faults.New(faults.KindValidation, "", "search query must not be empty"))

		return
	}

	ready, err := s.opts.Store.SearchReady(r.Context())
	if err != nil {
		s.writeFault(w, r, err)

		return
	}

	if !ready {
		s.writeFault(w, r, faults.New(faults.KindUnavailable, faults.CodeSearchUnavailable,
			"search index is not built yet"))

		return
	}

	page, limit := pageParams(r)

	result, err := s.opts.Store.Search(r.Context(), query, page, limit)
	if err != nil {
		s.writeFault(w, r, err)

		return
	}

	s.writeJSON(w, http.StatusOK, searchResponse{
		Results:      result.Items,
		TotalResults: result.TotalResults,
		Page:         result.PageNum,
	})
}
