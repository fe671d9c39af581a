// Package health provides HTTP handlers for health checks.
package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/terrpan/runnervm/internal/buildinfo"
)

// ServiceName is reported in every health response.
const ServiceName = "runnervm"

// Stats is a point-in-time view of the controller.
type Stats struct {
	LiveRunners      int `json:"live_runners"`
	ActiveLifecycles int `json:"active_lifecycles"`
	QueuedLifecycles int `json:"queued_lifecycles"`
}

// StatsFunc reports current controller stats.  It must be safe to call
// concurrently.
type StatsFunc func() Stats

// Response represents the health check response body.
type Response struct {
	Status       string    `json:"status"`
	ServiceName  string    `json:"service_name"`
	Version      string    `json:"version"`
	Commit       string    `json:"commit"`
	BuildTime    string    `json:"build_time"`
	GoVersion    string    `json:"go_version"`
	OS           string    `json:"os"`
	Architecture string    `json:"architecture"`
	Engine       string    `json:"engine"`
	Stats        Stats     `json:"stats"`
	Timestamp    time.Time `json:"timestamp"`
}

// Handler responds to health check requests. It reports build info, the
// compute engine in use and, when stats is non-nil, controller stats.
// The status is always "healthy" (200 OK) since this is a liveness check
// with no external dependencies to verify.
func Handler(engine string, stats StatsFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		response := Response{
			Status:       "healthy",
			ServiceName:  ServiceName,
			Version:      buildinfo.Version,
			Commit:       buildinfo.Commit,
			BuildTime:    buildinfo.BuildTime,
			GoVersion:    runtime.Version(),
			OS:           runtime.GOOS,
			Architecture: runtime.GOARCH,
			Engine:       engine,
			Timestamp:    time.Now().UTC(),
		}
		if stats != nil {
			response.Stats = stats()
		}

		_ = json.NewEncoder(w).Encode(response)
	}
}
