// health_handler.go -- GET /health.
package auth

import (
	"context"
	"net/http"
	"time"
)

// healthTimeout bounds each dependency ping so a hung backend can't stall the probe.
const healthTimeout = 2 * time.Second

// CheckHealth pings Postgres and Redis and reports "ok" or "error" for each.
// 200 when both answer, 503 otherwise.
func (h *AuthHandler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		ping func(context.Context) error
	}{
		{"postgres", h.PS.CheckHealth},
		{"redis", h.RS.CheckHealth},
	}

	status := http.StatusOK
	report := make(map[string]string, len(checks))
	for _, c := range checks {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		err := c.ping(ctx)
		cancel()
		if err != nil {
			logError(r, "health check failed", "dependency", c.name, "error", err)
			report[c.name] = "error"
			status = http.StatusServiceUnavailable
			continue
		}
		report[c.name] = "ok"
	}
	writeJSON(w, status, report)
}
