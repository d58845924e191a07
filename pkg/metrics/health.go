package metrics

import (
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"
)

// HealthStatus is the body of /health and /ready
type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

// The daemon cannot serve without these. containerd and the sink are
// reported too, but losing them only degrades the daemon.
var criticalComponents = []string{"store", "api"}

// ComponentHealth is the last reported state of one component
type ComponentHealth struct {
	Healthy bool
	Message string
	Updated time.Time
}

type healthRegistry struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	started    time.Time
	version    string
}

func newHealthRegistry(version string) *healthRegistry {
	return &healthRegistry{
		components: make(map[string]ComponentHealth),
		started:    time.Now(),
		version:    version,
	}
}

var healthState = newHealthRegistry("")

// SetVersion sets the version reported by /health and /ready
func SetVersion(version string) {
	healthState.mu.Lock()
	healthState.version = version
	healthState.mu.Unlock()
}

// RegisterComponent records the health of a component
func RegisterComponent(name string, healthy bool, message string) {
	healthState.mu.Lock()
	healthState.components[name] = ComponentHealth{Healthy: healthy, Message: message, Updated: time.Now()}
	healthState.mu.Unlock()

	up := 0.0
	if healthy {
		up = 1
	}
	ComponentUp.WithLabelValues(name).Set(up)
}

// UpdateComponent has the health.ReportFunc signature so a monitor can feed
// the registry directly
func UpdateComponent(name string, healthy bool, message string) {
	RegisterComponent(name, healthy, message)
}

func (r *healthRegistry) status(state, message string, components map[string]string) HealthStatus {
	return HealthStatus{
		Status:     state,
		Timestamp:  time.Now(),
		Components: components,
		Message:    message,
		Version:    r.version,
		Uptime:     time.Since(r.started).Round(time.Second).String(),
	}
}

// GetHealth is "unhealthy" when a critical component is down, "degraded"
// when any other component is down, and "healthy" otherwise
func GetHealth() HealthStatus {
	healthState.mu.RLock()
	defer healthState.mu.RUnlock()

	state := "healthy"
	components := make(map[string]string, len(healthState.components))
	for name, c := range healthState.components {
		if c.Healthy {
			components[name] = "healthy"
			continue
		}
		components[name] = "unhealthy: " + c.Message
		switch {
		case slices.Contains(criticalComponents, name):
			state = "unhealthy"
		case state == "healthy":
			state = "degraded"
		}
	}
	return healthState.status(state, "", components)
}

// GetReadiness is "ready" once every critical component has reported healthy
func GetReadiness() HealthStatus {
	healthState.mu.RLock()
	defer healthState.mu.RUnlock()

	state, message := "ready", ""
	components := make(map[string]string, len(criticalComponents))
	for _, name := range criticalComponents {
		c, ok := healthState.components[name]
		switch {
		case !ok:
			state, message = "not_ready", "waiting for "+name+" initialization"
			components[name] = "not registered"
		case !c.Healthy:
			state, message = "not_ready", "waiting for "+name
			components[name] = "not ready: " + c.Message
		default:
			components[name] = "ready"
		}
	}
	return healthState.status(state, message, components)
}

func writeHealth(w http.ResponseWriter, ok bool, body any) {
	w.Header().Set("Content-Type", "application/json")
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(body)
}

// HealthHandler serves GetHealth. Degraded still answers 200.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		h := GetHealth()
		writeHealth(w, h.Status != "unhealthy", h)
	}
}

// ReadyHandler serves GetReadiness
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		r := GetReadiness()
		writeHealth(w, r.Status == "ready", r)
	}
}

// LivenessHandler answers 200 for as long as the process can serve HTTP
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		healthState.mu.RLock()
		uptime := time.Since(healthState.started).Round(time.Second).String()
		healthState.mu.RUnlock()
		writeHealth(w, true, map[string]string{"status": "alive", "uptime": uptime})
	}
}
