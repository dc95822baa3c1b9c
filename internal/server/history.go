package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/stillframe/shoebox/internal/catalog"
	"github.com/stillframe/shoebox/internal/faults"
	"github.com/stillframe/shoebox/internal/media"
)

const (
	// headerUserID names the viewing user. Single-user installs omit it
	// and share one bucket.
	headerUserID = "X-User-Id"

	// defaultUserID matches the bucket the legacy importer fills.
	defaultUserID = "local"

	defaultHistoryLimit = 50
)

type historyRequest struct {
	ItemPath string `json:"itemPath"`
	ViewedAt int64  `json:"viewedAt"`
}

type historyAccepted struct {
	Success bool `json:"success"`
}

type historyResponse struct {
	Views []catalog.View `json:"views"`
}

// handleHistoryRecord buffers one view append. 202: the row lands with the
// recorder's next batch, after the response.
func (s *Server) handleHistoryRecord(w http.ResponseWriter, r *http.Request) {
	var req historyRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeFault(w, r, faults.Wrap(faults.KindValidation, "", "decode body", err))

		return
	}

	rel, err := media.Normalize(req.ItemPath)
	if err != nil {
		s.writeFault(w, r, err)

		return
	}

	if rel == "" {
		s.writeFault(w, r, faults.New(faults.KindValidation, "", "itemPath must not be empty"))

		return
	}

	viewedAt := req.ViewedAt
	if viewedAt <= 0 {
		viewedAt = time.Now().Unix()
	}

	s.opts.Views.Record(catalog.View{
		UserID:   userID(r),
		ItemPath: rel,
		ViewedAt: viewedAt,
	})

	s.writeJSON(w, http.StatusAccepted, historyAccepted{Success: true})
}

// handleHistoryList returns the user's most recent views, newest first.
// Views still sitting in the recorder buffer appear after its next flush.
func (s *Server) handleHistoryList(w http.ResponseWriter, r *http.Request) {
	limit := positiveParam(r, "limit", defaultHistoryLimit)
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	views, err := s.opts.Store.RecentViews(r.Context(), userID(r), limit)
	if err != nil {
		s.writeFault(w, r, err)

		return
	}

	s.writeJSON(w, http.StatusOK, historyResponse{Views: views})
}

func userID(r *http.Request) string {
	if id := r.Header.Get(headerUserID); id != "" {
		return id
	}

	return defaultUserID
}
