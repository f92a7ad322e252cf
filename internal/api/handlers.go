package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/jesteria/omnispective/internal/auth"
	"github.com/jesteria/omnispective/internal/capture"
	"github.com/jesteria/omnispective/internal/ingest"
	"github.com/jesteria/omnispective/internal/observability"
	"github.com/jesteria/omnispective/internal/queue"
	"github.com/jesteria/omnispective/internal/store"
)

// QueueAdmin is the capture queue surface exposed to operators. It is nil
// when the server runs without Redis.
type QueueAdmin interface {
	queue.StatsProvider
	ListDeadLetters(ctx context.Context, limit int) (queue.DeadLetterListResult, error)
	RedriveDeadLetters(ctx context.Context, limit int) (queue.DeadLetterRedriveResult, error)
}

type Options struct {
	Store                   store.Store
	Ingest                  *ingest.Service
	Metrics                 *observability.Metrics
	Logger                  zerolog.Logger
	Queue                   QueueAdmin
	CORSAllowedOrigins      []string
	AdminAPIKey             string
	RateLimitRequestsPerSec float64
	RateLimitBurst          int
}

type Handler struct {
	store              store.Store
	ingest             *ingest.Service
	metrics            *observability.Metrics
	logger             zerolog.Logger
	queue              QueueAdmin
	corsAllowedOrigins []string
	adminAPIKey        string
	rateLimiter        *apiRateLimiter
}

func NewHandler(opts Options) *Handler {
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	service := opts.Ingest
	if service == nil {
		service = ingest.NewService(opts.Store, ingest.Options{Metrics: metrics, Logger: opts.Logger})
	}

	return &Handler{
		store:              opts.Store,
		ingest:             service,
		metrics:            metrics,
		logger:             opts.Logger,
		queue:              opts.Queue,
		corsAllowedOrigins: opts.CORSAllowedOrigins,
		adminAPIKey:        opts.AdminAPIKey,
		rateLimiter:        newAPIRateLimiter(opts.RateLimitRequestsPerSec, opts.RateLimitBurst, metrics.RateLimitedTotal),
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(h.logger))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))
	if h.rateLimiter != nil {
		r.Use(h.rateLimiter.Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.corsAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Omnispective-Admin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.metrics.Registry(), promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/admin", func(r chi.Router) {
			r.Use(h.requireAdminAccess)
			r.Post("/users", h.createUser)
			r.Put("/users/{username}/permissions", h.setUserPermissions)
			r.Get("/queue", h.queueStats)
			r.Get("/queue/dead-letters", h.listDeadLetters)
			r.Post("/queue/dead-letters/redrive", h.redriveDeadLetters)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.authenticate)

			r.Get("/app/", h.listApps)
			r.With(h.requirePermission(auth.ActionAdd, auth.ModelApp)).Post("/app/", h.createApp)
			r.Get("/app/{ref}/", h.getApp)
			r.With(h.requirePermission(auth.ActionDelete, auth.ModelApp)).Delete("/app/{ref}/", h.deleteApp)

			r.Get("/client/", h.listClients)
			r.With(h.requirePermission(auth.ActionAdd, auth.ModelClient)).Post("/client/", h.createClient)
			r.Get("/client/{id}/", h.getClient)
			r.With(h.requirePermission(auth.ActionDelete, auth.ModelClient)).Delete("/client/{id}/", h.deleteClient)

			r.Get("/clientsession/", h.listSessions)
			r.With(h.requirePermission(auth.ActionAdd, auth.ModelClientSession)).Post("/clientsession/", h.createSession)
			r.Get("/clientsession/{id}/", h.getSession)
			r.With(h.requirePermission(auth.ActionDelete, auth.ModelClientSession)).Delete("/clientsession/{id}/", h.deleteSession)

			r.Get("/clientrequest/", h.listRequests)
			r.With(h.requirePermission(auth.ActionAdd, auth.ModelClientRequest)).Post("/clientrequest/", h.createRequest)
			r.Get("/clientrequest/{id}/", h.getRequest)
			r.With(h.requirePermission(auth.ActionChange, auth.ModelClientRequest)).Put("/clientrequest/{id}/", h.updateRequest)
			r.With(h.requirePermission(auth.ActionDelete, auth.ModelClientRequest)).Delete("/clientrequest/{id}/", h.deleteRequest)

			r.Get("/serverresponse/", h.listResponses)
			r.With(h.requirePermission(auth.ActionAdd, auth.ModelServerResponse)).Post("/serverresponse/", h.createResponse)
			r.Get("/serverresponse/{id}/", h.getResponse)
		})
	})

	return r
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Health(r.Context()); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("store health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeError maps domain errors onto status codes. Unrecognized errors are
// logged and reported as a generic 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var validation *capture.ValidationError
	switch {
	case errors.Is(err, auth.ErrAuthentication), errors.Is(err, auth.ErrAuthorization):
		writeMessage(w, http.StatusUnauthorized, err.Error())
	case errors.As(err, &validation):
		writeMessage(w, http.StatusBadRequest, validation.Message)
	case errors.Is(err, capture.ErrNotFound):
		writeMessage(w, http.StatusNotFound, "not found")
	default:
		hlog.FromRequest(r).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeMessage(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid payload")
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeMessage(w, http.StatusNotFound, "not found")
		return 0, false
	}
	return id, true
}
