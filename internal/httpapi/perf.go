package httpapi

import (
	"net/http"
	"strings"

	"github.com/ent0n29/novel2anime/internal/observability"
)

type perfResponse struct {
	observability.LatencySnapshot
	ActivePollers int   `json:"active_pollers"`
	Viewers       int64 `json:"viewers"`
}

// handlePerfLatency reports recent API and audio-start latencies. ?stage=api_
// keeps only stages with that prefix.
func (s *Server) handlePerfLatency(w http.ResponseWriter, r *http.Request) {
	snap := s.metrics.SnapshotLatency()
	if prefix := strings.TrimSpace(r.URL.Query().Get("stage")); prefix != "" {
		kept := make([]observability.StageStats, 0, len(snap.Stages))
		for _, st := range snap.Stages {
			if strings.HasPrefix(st.Stage, prefix) {
				kept = append(kept, st)
			}
		}
		snap.Stages = kept
	}
	respondJSON(w, http.StatusOK, perfResponse{
		LatencySnapshot: snap,
		ActivePollers:   len(s.lifecycle.ActivePollers()),
		Viewers:         s.viewers.Load(),
	})
}
