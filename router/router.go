// Package router exposes the supervisor's plain-HTTP health surface.  The
// control plane proper lives on the websocket channel; this port exists for
// load balancers and fleet monitoring.
package router

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/tri2510/vehicle-edge-runtime/lifecycle"
)

// Health is the /api/health payload.
type Health struct {
	Status       string `json:"status"` // "healthy" | "degraded"
	Ready        bool   `json:"ready"`
	UptimeMS     int64  `json:"uptime_ms"`
	LiveAppCount int    `json:"live_app_count"`
	Sandbox      bool   `json:"sandbox_ok"`
	Broker       bool   `json:"broker_connected"`
}

// New builds the health handler over the lifecycle manager.
func New(mgr *lifecycle.Manager) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		h := Health{
			Status:       "healthy",
			Ready:        true,
			UptimeMS:     mgr.Uptime().Milliseconds(),
			LiveAppCount: mgr.LiveCount(),
			Sandbox:      mgr.Driver().Ping(ctx) == nil,
			Broker:       mgr.Gateway().Connected(),
		}
		// The broker is optional; only a dead sandbox engine degrades us.
		if !h.Sandbox {
			h.Status = "degraded"
			h.Ready = false
		}

		code := http.StatusOK
		if !h.Ready {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, h)
	})

	mux.HandleFunc("/api/live", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("router: write response: %v", err)
	}
}
