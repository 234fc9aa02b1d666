// Package httpapi wires every domain service to the chi router and
// exposes the /v1 route table of §6: a Server struct holding every
// dependency a handler needs, with Routes() building the handler tree.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/berthcare/core/internal/authtoken"
	"github.com/berthcare/core/internal/blacklist"
	"github.com/berthcare/core/internal/cache"
	"github.com/berthcare/core/internal/client"
	"github.com/berthcare/core/internal/identity"
	"github.com/berthcare/core/internal/metrics"
	"github.com/berthcare/core/internal/notify"
	"github.com/berthcare/core/internal/ratelimit"
	"github.com/berthcare/core/internal/visit"
)

var validate = validator.New()

// Server holds every dependency an HTTP handler needs.
type Server struct {
	DB    *pgxpool.Pool
	Cache *cache.Cache

	Tokens    *authtoken.Service
	Blacklist *blacklist.Blacklist

	Identity *identity.Service
	Clients  *client.Service
	Visits   *visit.Service
	Escalator *notify.Escalator

	LoginLimiter    *ratelimit.Limiter
	RegisterLimiter *ratelimit.Limiter
	GenericLimiter  *ratelimit.Limiter

	TwilioAuthToken string
	PublicBaseURL   string

	CORSAllowedOrigins []string
}

// Routes builds the full handler tree for the service (§6).
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(CorrelationMiddleware)
	r.Use(RequestLogging)
	r.Use(metrics.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "PUT", "DELETE"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.With(ratelimit.Middleware(s.RegisterLimiter)).Post("/register", s.Register)
			r.With(ratelimit.Middleware(s.LoginLimiter)).Post("/login", s.Login)
			r.With(ratelimit.Middleware(s.GenericLimiter)).Post("/refresh", s.Refresh)
			r.With(Auth(s.Tokens, s.Blacklist)).Post("/logout", s.Logout)
		})

		r.Route("/webhooks/twilio", func(r chi.Router) {
			r.Post("/voice/status", s.TwilioVoiceStatus)
			r.Post("/sms/status", s.TwilioSMSStatus)
		})

		r.Group(func(r chi.Router) {
			r.Use(Auth(s.Tokens, s.Blacklist))
			r.Use(ratelimit.Middleware(s.GenericLimiter))

			r.Route("/clients", func(r chi.Router) {
				r.Get("/", s.ListClients)
				r.Post("/", s.CreateClient)
				r.Get("/{id}", s.GetClient)
				r.Patch("/{id}", s.UpdateClient)
				r.Put("/{id}/care-plan", s.UpsertCarePlan)
			})

			r.Route("/visits", func(r chi.Router) {
				r.Get("/", s.ListVisits)
				r.Post("/", s.CreateVisit)
				r.Get("/{id}", s.GetVisit)
				r.Patch("/{id}", s.UpdateVisit)
				r.Post("/{id}/photos/upload-url", s.IssuePhotoUploadURL)
				r.Post("/{id}/photos", s.RecordPhoto)
				r.Post("/{id}/signature/upload-url", s.IssueSignatureUploadURL)
				r.Post("/{id}/signature", s.RecordSignature)
			})
		})
	})

	log.Info().Msg("HTTP routes registered")
	return r
}
