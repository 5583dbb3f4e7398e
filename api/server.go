/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:     Unique ID per request for tracing
  2. RealIP:        Client address from X-Forwarded-For / X-Real-IP
  3. RequestLogger: zap logger scoped to the request (logging package)
  4. Recoverer:     Panic recovery (500 instead of crash)
  5. Timeout:       Cancels the request context after Options.RequestTimeout
  6. CORS:          Cross-origin requests from tenant dashboards

ROUTE GROUPS:
  /api/ping              Public liveness
  /api/schedule/*        Booking, cancellation, overviews      (token)
  /api/quota/*           Status, tenant sync, reports          (token)
  /api/campaign(s)/*     Completion, history                   (token)
  /api/sync              Schedule snapshot                     (token)

AUTHENTICATION:
  Tenant units share one bearer token (CENTRAL_API_TOKEN). An empty token
  disables the check, which is how the tests and local runs use it.

RATE LIMITING:
  /api/sync and /api/quota/sync are throttled per client IP with
  tollbooth, on top of the per-tenant daily sync limit enforced by the
  reconcile engine.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	tollbooth "github.com/didip/tollbooth/v6"
	limiter "github.com/didip/tollbooth/v6/limiter"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/warp/quota-engine/logging"
)

// Options configures the router.
type Options struct {
	APIToken       string
	CORSOrigins    []string
	SyncRateLimit  float64 // requests per second per client on sync endpoints
	RequestTimeout time.Duration
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts Options) *chi.Mux {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opts.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	syncLimit := newSyncLimiter(opts.SyncRateLimit)

	r.Route("/api", func(r chi.Router) {
		r.Get("/ping", h.Ping)

		r.Group(func(r chi.Router) {
			r.Use(requireToken(opts.APIToken))

			// Schedule routes
			r.Route("/schedule", func(r chi.Router) {
				r.Get("/overview", h.Overview)
				r.Get("/overview/range", h.OverviewRange)
				r.Post("/request", h.RequestCampaign)
				r.Delete("/cancel/{campaignId}", h.CancelCampaign)
				r.Post("/sent/{campaignId}", h.MarkSent)
			})

			// Quota routes
			r.Route("/quota", func(r chi.Router) {
				r.Get("/status", h.QuotaStatus)
				r.With(limitByIP(syncLimit)).Post("/sync", h.SyncFromTenant)
				r.Get("/group-info", h.GroupInfo)
				r.Get("/discrepancy", h.DiscrepancyReport)
				r.Get("/discrepancy/summary", h.DiscrepancySummary)
			})

			r.Post("/campaign/complete", h.CompleteCampaign)
			r.With(limitByIP(syncLimit)).Post("/sync", h.Sync)
			r.Get("/campaigns/history", h.History)
		})
	})

	return r
}

// requireToken checks the shared bearer token.
func requireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		want := []byte(token)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				writeError(w, http.StatusUnauthorized, "Unauthorized", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func newSyncLimiter(rps float64) *limiter.Limiter {
	if rps <= 0 {
		rps = 1
	}
	lmt := tollbooth.NewLimiter(rps, &limiter.ExpirableOptions{DefaultExpirationTTL: time.Hour, ExpireJobInterval: time.Minute})
	// RealIP already rewrote RemoteAddr from the proxy headers.
	lmt.SetIPLookups([]string{"RemoteAddr", "X-Forwarded-For", "X-Real-IP"})
	lmt.SetMessage(`{"success":false,"error":"Too many requests","code":"rate_limited"}`)
	lmt.SetMessageContentType("application/json; charset=utf-8")
	return lmt
}

func limitByIP(lmt *limiter.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if httpErr := tollbooth.LimitByRequest(lmt, w, r); httpErr != nil {
				w.Header().Set("Content-Type", lmt.GetMessageContentType())
				w.WriteHeader(httpErr.StatusCode)
				w.Write([]byte(httpErr.Message))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
