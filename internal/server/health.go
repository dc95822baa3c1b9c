package server

import (
	"net/http"

	"github.com/stillframe/shoebox/internal/catalog"
	"github.com/stillframe/shoebox/internal/pool"
	"github.com/stillframe/shoebox/internal/sched"
	"github.com/stillframe/shoebox/pkg/version"
)

type indexStatus struct {
	State    catalog.IndexState `json:"state"`
	LastPath string             `json:"lastPath,omitempty"`
}

type healthResponse struct {
	Status  string        `json:"status"`
	Version string        `json:"version"`
	Pools   []pool.Health `json:"pools"`
	Budget  sched.Budget  `json:"budget"`
	Index   indexStatus   `json:"index"`
}

// handleHealthz reports liveness plus a readiness sketch: per-pool worker
// health, the current resource budget and the index build state. Status is
// "degraded" as soon as any pool reports a struggling worker.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	pools := []pool.Health{
		s.opts.Thumbs.Health(),
		s.opts.HLS.Health(),
		s.opts.Indexer.Health(),
	}

	status := "ok"

	for _, p := range pools {
		if p.Degraded {
			status = "degraded"

			break
		}
	}

	resp := healthResponse{
		Status:  status,
		Version: version.Version,
		Pools:   pools,
		Budget:  s.opts.Sched.Budget(),
	}

	prog, err := s.opts.Store.IndexProgress(r.Context())
	if err == nil {
		resp.Index = indexStatus{State: prog.State, LastPath: prog.LastPath}
	}

	s.writeJSON(w, http.StatusOK, resp)
}
