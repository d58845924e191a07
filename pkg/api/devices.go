package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/heliogrid/heliogrid/pkg/events"
	"github.com/heliogrid/heliogrid/pkg/log"
	"github.com/heliogrid/heliogrid/pkg/types"
)

const (
	defaultLogTail = 100
	maxLogTail     = 10000
)

// CreateDeviceRequest registers an inverter
type CreateDeviceRequest struct {
	Name     string `json:"name" validate:"required,max=128"`
	Template string `json:"template" validate:"omitempty,max=64"`
	Region   string `json:"region" validate:"required,alphanum,max=16"`
	Username string `json:"username" validate:"required,max=256"`
	Password string `json:"password" validate:"max=256"`
	Timezone string `json:"timezone" validate:"omitempty,timezone"`
	Interval int    `json:"interval" validate:"omitempty,min=10,max=86400"`
}

// DeviceResponse is the public view of a device. Credentials other than the
// username are never returned.
type DeviceResponse struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Template   string          `json:"template"`
	Region     string          `json:"region"`
	Username   string          `json:"username"`
	Timezone   string          `json:"timezone"`
	Interval   int             `json:"interval"`
	State      string          `json:"state"`
	LastError  string          `json:"last_error,omitempty"`
	Worker     *WorkerResponse `json:"worker,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	LastUpdate time.Time       `json:"last_update"`
}

// WorkerResponse is the public view of a worker handle
type WorkerResponse struct {
	ID        string    `json:"id"`
	Image     string    `json:"image"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusResponse reports a device's state and its worker's live status
type StatusResponse struct {
	DeviceID     string `json:"device_id"`
	State        string `json:"state"`
	WorkerStatus string `json:"worker_status"`
	LastError    string `json:"last_error,omitempty"`
}

func toDeviceResponse(d *types.Device) DeviceResponse {
	resp := DeviceResponse{
		ID:         d.ID,
		Name:       d.Name,
		Template:   d.TemplateType,
		Region:     d.Region,
		Username:   d.Username,
		Timezone:   d.Timezone,
		Interval:   d.Interval,
		State:      string(d.State),
		LastError:  d.LastError,
		CreatedAt:  d.CreatedAt,
		LastUpdate: d.LastUpdate,
	}
	if d.Handle != nil {
		resp.Worker = &WorkerResponse{
			ID:        d.Handle.ID,
			Image:     d.Handle.Image,
			Status:    string(d.Handle.Status),
			UpdatedAt: d.Handle.UpdatedAt,
		}
	}
	return resp
}

func (s *Server) createDevice(w http.ResponseWriter, r *http.Request) {
	var req CreateDeviceRequest
	if !s.decode(w, r, &req) {
		return
	}

	if req.Template == "" {
		req.Template = "goodwe"
	}
	if _, err := s.registry.Load(req.Template); err != nil {
		s.writeError(w, types.ConfigError("unknown template "+strconv.Quote(req.Template), err))
		return
	}
	if req.Timezone == "" {
		req.Timezone = types.DefaultTimezone
	}
	if req.Interval == 0 {
		req.Interval = types.DefaultInterval
	}

	device := &types.Device{
		Name:         req.Name,
		TemplateType: req.Template,
		Region:       req.Region,
		Timezone:     req.Timezone,
		Username:     req.Username,
		Password:     req.Password,
		Interval:     req.Interval,
		State:        types.DeviceStateNone,
	}
	if err := s.store.CreateDevice(device); err != nil {
		s.writeError(w, err)
		return
	}

	logger := log.WithDeviceID(device.ID)
	logger.Info().Str("name", device.Name).Str("template", device.TemplateType).Msg("Device created")
	s.publish(events.EventDeviceCreated, device)

	// Degraded mode leaves the device inactive instead of failing the request
	if err := s.supervisor.Start(device.ID); err != nil && !types.IsKind(err, types.KindBackendUnavailable) {
		s.writeError(w, err)
		return
	}

	stored, err := s.store.GetDevice(device.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDeviceResponse(stored))
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices()
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := make([]DeviceResponse, 0, len(devices))
	for _, d := range devices {
		resp = append(resp, toDeviceResponse(d))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	device, err := s.store.GetDevice(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeviceResponse(device))
}

func (s *Server) deleteDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.supervisor.RequestDelete(id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"device_id": id, "status": "deleting"})
}

func (s *Server) startDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.supervisor.Start(id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"device_id": id, "status": "starting"})
}

func (s *Server) stopDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.supervisor.RequestStop(id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"device_id": id, "status": "stopping"})
}

func (s *Server) deviceStatus(w http.ResponseWriter, r *http.Request) {
	device, err := s.store.GetDevice(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		DeviceID:     device.ID,
		State:        string(device.State),
		WorkerStatus: string(s.supervisor.Status(r.Context(), device.Handle)),
		LastError:    device.LastError,
	})
}

func (s *Server) deviceLogs(w http.ResponseWriter, r *http.Request) {
	device, err := s.store.GetDevice(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	tail := defaultLogTail
	if v := r.URL.Query().Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeBadRequest(w, "tail must be a positive integer")
			return
		}
		tail = min(n, maxLogTail)
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"device_id": device.ID,
		"logs":      s.supervisor.Logs(r.Context(), device.Handle, tail),
	})
}

func (s *Server) publish(eventType events.EventType, device *types.Device) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&events.Event{
		Type:     eventType,
		Message:  "Device " + device.Name,
		Metadata: map[string]string{"device_id": device.ID, "state": string(device.State)},
	})
}
