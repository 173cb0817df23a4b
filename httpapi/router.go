package httpapi

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"aurigraph/approval-core/gateway/middleware"
	"aurigraph/approval-core/native/approval"
)

// RouterConfig wires the approval-core HTTP surface: the JSON API from
// Mount plus the ambient operational endpoints (health, metrics, event
// stream) the gateway stack carries for every service.
type RouterConfig struct {
	Deps          Dependencies
	EventBus      *approval.EventBus
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
	RequiredScope string
	RateLimitKey  string
	Logger        *log.Logger
}

// NewRouter builds the chi.Router serving the approval-core API.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.CORS))

	obs := cfg.Observability
	if obs != nil {
		r.Use(obs.Middleware("root"))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if obs != nil {
		r.Handle("/metrics", obs.MetricsHandler())
	}

	if cfg.EventBus != nil {
		stream := newEventStream(cfg.EventBus, cfg.Logger)
		r.Get("/events/stream", stream.serveHTTP)
	}

	r.Group(func(api chi.Router) {
		if cfg.RateLimiter != nil && cfg.RateLimitKey != "" {
			api.Use(cfg.RateLimiter.Middleware(cfg.RateLimitKey))
		}
		if cfg.Authenticator != nil {
			scopes := []string{}
			if cfg.RequiredScope != "" {
				scopes = append(scopes, cfg.RequiredScope)
			}
			api.Use(cfg.Authenticator.Middleware(scopes...))
		}
		if obs != nil {
			api.Use(obs.Middleware("approval"))
		}
		Mount(api, cfg.Deps)
	})

	return r
}
