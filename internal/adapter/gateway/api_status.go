package gateway

import (
	"net/http"
	"time"

	"forgeline/internal/usecase/actor"
	"forgeline/internal/usecase/eventbus"
)

// PlatformStats reports the actor registry's current load.
type PlatformStats interface {
	Stats() actor.Stats
}

// EventCounter reports how many events of each type were published.
type EventCounter interface {
	Counts() []eventbus.TypeCount
}

// StatusResponse is the JSON body returned by GET /api/status.
type StatusResponse struct {
	Service ServiceStatus        `json:"service"`
	Actors  actor.Stats          `json:"actors"`
	Events  []eventbus.TypeCount `json:"events"`
}

// ServiceStatus holds process overview info.
type ServiceStatus struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// statusHandler returns an HTTP handler for GET /api/status. Either source
// may be nil.
func statusHandler(stats PlatformStats, events EventCounter, version string, startTime time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := StatusResponse{
			Service: ServiceStatus{
				Name:          "forgeline",
				Version:       version,
				UptimeSeconds: int64(time.Since(startTime).Seconds()),
			},
			Events: []eventbus.TypeCount{},
		}
		if stats != nil {
			resp.Actors = stats.Stats()
		}
		if events != nil {
			resp.Events = events.Counts()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
