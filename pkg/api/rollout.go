package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/heliogrid/heliogrid/pkg/deploy"
	"github.com/heliogrid/heliogrid/pkg/types"
)

// RolloutRequest configures a rolling rebuild. An empty body uses one worker
// per batch and no delay.
type RolloutRequest struct {
	Parallelism  int `json:"parallelism" validate:"omitempty,min=1,max=50"`
	DelaySeconds int `json:"delay_seconds" validate:"omitempty,min=0,max=3600"`
}

func (s *Server) startRollout(w http.ResponseWriter, r *http.Request) {
	if s.deployer == nil {
		s.writeError(w, types.BackendUnavailableError("rollouts are not enabled", nil))
		return
	}

	var req RolloutRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}

	status, err := s.deployer.Start(chi.URLParam(r, "name"), deploy.Strategy{
		Parallelism: req.Parallelism,
		Delay:       time.Duration(req.DelaySeconds) * time.Second,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, status)
}

func (s *Server) rolloutStatus(w http.ResponseWriter, r *http.Request) {
	if s.deployer == nil {
		s.writeError(w, types.BackendUnavailableError("rollouts are not enabled", nil))
		return
	}

	status, err := s.deployer.Status(chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
