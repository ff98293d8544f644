package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// criticalComponents must all report healthy before the daemon is ready to
// serve reads: the document store, the event bus, and the HTTP listener.
var criticalComponents = []string{"store", "event-bus", "api"}

// componentState is one subsystem's last reported condition.
type componentState struct {
	healthy bool
	message string
	updated time.Time
}

// healthRegistry collects subsystem reports for /healthz and /readyz.
type healthRegistry struct {
	mu         sync.RWMutex
	components map[string]componentState
	startTime  time.Time
	version    string
}

var registry = &healthRegistry{
	components: make(map[string]componentState),
	startTime:  time.Now(),
}

// HealthStatus is the wire shape of the health and readiness endpoints.
type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
	StartTime  time.Time         `json:"-"`
}

// SetVersion records the build version reported by the endpoints.
func SetVersion(version string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.version = version
}

// RegisterComponent reports a subsystem's condition. Subsystems call this at
// wiring time and again whenever their condition changes.
func RegisterComponent(name string, healthy bool, message string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.components[name] = componentState{
		healthy: healthy,
		message: message,
		updated: time.Now(),
	}
}

// UpdateComponent records a condition change for a registered component.
func UpdateComponent(name string, healthy bool, message string) {
	RegisterComponent(name, healthy, message)
}

func (r *healthRegistry) statusLocked(status, message string, components map[string]string) HealthStatus {
	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Message:    message,
		Version:    r.version,
		Uptime:     time.Since(r.startTime).String(),
		StartTime:  r.startTime,
	}
}

// GetHealth reports unhealthy when any registered component is down.
func GetHealth() HealthStatus {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	status := "healthy"
	components := make(map[string]string, len(registry.components))
	for name, c := range registry.components {
		if c.healthy {
			components[name] = "healthy"
			continue
		}
		status = "unhealthy"
		components[name] = "unhealthy: " + c.message
	}
	return registry.statusLocked(status, "", components)
}

// GetReadiness gates on the critical components only; anything else can
// degrade without flipping /readyz.
func GetReadiness() HealthStatus {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	status := "ready"
	message := ""
	components := make(map[string]string, len(criticalComponents))
	for _, name := range criticalComponents {
		c, ok := registry.components[name]
		switch {
		case !ok:
			status = "not_ready"
			message = "waiting for " + name + " initialization"
			components[name] = "not registered"
		case !c.healthy:
			status = "not_ready"
			message = "waiting for " + name
			components[name] = "not ready: " + c.message
		default:
			components[name] = "ready"
		}
	}
	return registry.statusLocked(status, message, components)
}

// HealthHandler serves /healthz: 200 while every component is healthy, 503
// otherwise.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := GetHealth()
		code := http.StatusOK
		if health.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, health)
	}
}

// ReadyHandler serves /readyz: 200 once the store, event bus and API are up.
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		readiness := GetReadiness()
		code := http.StatusOK
		if readiness.Status != "ready" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, readiness)
	}
}

// LivenessHandler serves /livez; it answers 200 for as long as the process
// can serve HTTP at all.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "alive",
			"uptime": time.Since(registry.startTime).String(),
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
