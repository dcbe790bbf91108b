// Package router wires up the gateway routes and applies the middleware
// chain (RequestID → CORS → Metrics → Timeout).
package router

import (
	"net/http"
	"time"

	gwhandler "github.com/parcelworks/mailroom/internal/gateway/handler"
	"github.com/parcelworks/mailroom/pkg/health"
	"github.com/parcelworks/mailroom/pkg/metrics"
	"github.com/parcelworks/mailroom/pkg/middleware"
)

// New builds the full gateway HTTP handler.
//
// Route table:
//
//	POST   /api/v1/submissions              → intake (publish to pipeline)
//	GET    /api/v1/submissions              → list with attachment sets
//	GET    /api/v1/submissions/{id}         → single submission
//	GET    /api/v1/submissions/{id}/status  → fast status (cache-first)
//	DELETE /api/v1/submissions/{id}         → administrative delete
//	GET    /health/live                     → liveness
//	GET    /health/ready                    → readiness (deps probed)
func New(h *gwhandler.Handler, checker *health.Checker, m *metrics.Metrics, cors middleware.CORSConfig) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	mux.HandleFunc("POST /api/v1/submissions", h.Intake)
	mux.HandleFunc("GET /api/v1/submissions", h.ListSubmissions)
	mux.HandleFunc("GET /api/v1/submissions/{id}", h.GetSubmission)
	mux.HandleFunc("GET /api/v1/submissions/{id}/status", h.GetStatus)
	mux.HandleFunc("DELETE /api/v1/submissions/{id}", h.DeleteSubmission)

	// Middleware chain, applied inside-out:
	// request → RequestID → CORS → Metrics → Timeout → mux
	var chain http.Handler = mux
	chain = middleware.Timeout(30 * time.Second)(chain)
	chain = middleware.Metrics(m)(chain)
	chain = middleware.CORS(cors)(chain)
	chain = middleware.RequestID(chain)

	return chain
}
