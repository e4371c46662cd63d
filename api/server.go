/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. Logging:    zap request log plus Prometheus latency by route pattern
  4. CORS:       Cross-origin requests for the web and mobile clients
  5. Verified:   X-Email-Verified / X-KYC-Verified onto the request context

ROUTE GROUPS:
  /api/health           Liveness and storage check
  /api/groups/*         Group lifecycle, membership, contributions, payouts
  /api/contributions    Caller's contributions
  /api/payouts/*        Caller's payouts and per-group history
  /api/admin/*          Admin operations
  /metrics              Prometheus scrape endpoint

SECURITY NOTE:
  No authentication middleware. The caller id in X-User-ID and the
  verification flags are trusted and must be set by an upstream gateway.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/warp/rosca-engine/rosca"
)

// Verification headers set by the upstream gateway.
const (
	EmailVerifiedHeader = "X-Email-Verified"
	KYCVerifiedHeader   = "X-KYC-Verified"
)

// RouterOptions tunes NewRouter.
type RouterOptions struct {
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(h.Logger, h.Metrics))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", UserHeader, EmailVerifiedHeader, KYCVerifiedHeader},
		MaxAge:         300,
	}))
	r.Use(verification)

	if h.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.Metrics.Handler())
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Get("/contributions", h.ListMyContributions)
		r.Get("/payouts", h.ListMyPayouts)
		r.Get("/payouts/history", h.PayoutHistory)

		r.Route("/groups", func(r chi.Router) {
			r.Get("/", h.ListMyGroups)
			r.Post("/", h.CreateGroup)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetGroup)
				r.Post("/close", h.CloseGroup)

				r.Get("/members", h.ListMembers)
				r.Post("/join", h.JoinGroup)
				r.Post("/leave", h.LeaveGroup)

				r.Post("/contributions", h.Contribute)
				r.Get("/contributions", h.ListContributions)

				r.Post("/payout", h.RequestPayout)
				r.Get("/payouts", h.ListPayouts)
				r.Post("/payouts/{cycle}/settle", h.SettlePayout)
				r.Get("/payout-status", h.PayoutStatus)

				r.Get("/prechecks", h.Prechecks)
			})
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/advance", h.AdvanceNow)
			r.Post("/reset", h.ResetData)
		})
	})

	return r
}

// verification copies the gateway's verification flags onto the request
// context. Missing or unparsable values count as not verified.
func verification(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v := rosca.Verification{
			EmailVerified: headerBool(r, EmailVerifiedHeader),
			KYCVerified:   headerBool(r, KYCVerifiedHeader),
		}
		next.ServeHTTP(w, r.WithContext(rosca.WithVerification(r.Context(), v)))
	})
}

func headerBool(r *http.Request, key string) bool {
	ok, err := strconv.ParseBool(r.Header.Get(key))
	return err == nil && ok
}

// requestLogger logs each request through zap and records its latency
// under the matched route pattern.
func requestLogger(logger *zap.Logger, metrics *Metrics) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			elapsed := time.Since(start)
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			if metrics != nil {
				metrics.RequestDuration.WithLabelValues(route, r.Method).Observe(elapsed.Seconds())
			}
			logger.Info("http request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("route", route),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", elapsed),
			)
		})
	}
}
