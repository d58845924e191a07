package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/heliogrid/heliogrid/pkg/collector"
	"github.com/heliogrid/heliogrid/pkg/sink"
	"github.com/heliogrid/heliogrid/pkg/types"
)

// defaultRange is used when a range query sets no start
const defaultRange = 24 * time.Hour

// SinkConfigResponse reports the sink coordinates without the token
type SinkConfigResponse struct {
	URL        string `json:"url"`
	Org        string `json:"org"`
	Bucket     string `json:"bucket"`
	Configured bool   `json:"configured"`
}

func (s *Server) getSinkConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, SinkConfigResponse{
		URL:        s.sinkConfig.URL,
		Org:        s.sinkConfig.Org,
		Bucket:     s.sinkConfig.Bucket,
		Configured: s.sinkConfig.Configured(),
	})
}

// telemetryDevice resolves the device of a telemetry request and checks that
// a sink is available
func (s *Server) telemetryDevice(w http.ResponseWriter, r *http.Request) (*types.Device, bool) {
	device, err := s.store.GetDevice(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	if s.sink == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "time-series sink not configured"})
		return nil, false
	}
	return device, true
}

func (s *Server) telemetryLast(w http.ResponseWriter, r *http.Request) {
	device, ok := s.telemetryDevice(w, r)
	if !ok {
		return
	}

	row, err := s.sink.QueryLast(r.Context(), collector.Measurement, map[string]string{"device_id": device.ID})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) telemetryRange(w http.ResponseWriter, r *http.Request) {
	device, ok := s.telemetryDevice(w, r)
	if !ok {
		return
	}

	end := time.Now().UTC()
	if v := r.URL.Query().Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeBadRequest(w, "end must be an RFC 3339 timestamp")
			return
		}
		end = t
	}

	start := end.Add(-defaultRange)
	if v := r.URL.Query().Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeBadRequest(w, "start must be an RFC 3339 timestamp")
			return
		}
		start = t
	}

	if !end.After(start) {
		writeBadRequest(w, "end must be after start")
		return
	}

	rows, err := s.sink.QueryRange(r.Context(), collector.Measurement, map[string]string{"device_id": device.ID}, start, end)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if rows == nil {
		rows = []sink.Row{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"device_id": device.ID,
		"start":     start,
		"end":       end,
		"rows":      rows,
	})
}
