package app

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/atlas-wms/atlas-wms/internal/observability"
	"github.com/atlas-wms/atlas-wms/internal/shared"
)

// MiddlewareConfig aggregates dependencies shared by the middleware stack.
type MiddlewareConfig struct {
	Logger  *slog.Logger
	Config  *Config
	Metrics *observability.Metrics
}

// Identity headers injected by the edge gateway, which owns authentication.
// Requests without them reach the handlers actorless and get 401 from the
// service layer.
const (
	HeaderActorID     = "X-Actor-Id"
	HeaderActorName   = "X-Actor-Name"
	HeaderActorRole   = "X-Actor-Role"
	HeaderActorBranch = "X-Actor-Branch"
)

var knownRoles = map[shared.Role]struct{}{
	shared.RoleOperator:   {},
	shared.RoleQC:         {},
	shared.RoleSupervisor: {},
}

// MiddlewareStack installs the default middleware chain.
func MiddlewareStack(cfg MiddlewareConfig) []func(http.Handler) http.Handler {
	actorMiddleware := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(HeaderActorID)
			role := shared.Role(r.Header.Get(HeaderActorRole))
			if id == "" || role == "" {
				next.ServeHTTP(w, r)
				return
			}
			if _, ok := knownRoles[role]; !ok {
				cfg.Logger.Warn("unknown actor role", slog.String("role", string(role)), slog.String("path", r.URL.Path))
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			actor := shared.NewActor(id, r.Header.Get(HeaderActorName), role, r.Header.Get(HeaderActorBranch))
			next.ServeHTTP(w, r.WithContext(shared.ContextWithActor(r.Context(), actor)))
		})
	}

	timeout := 30 * time.Second
	if cfg.Config != nil && cfg.Config.AppRequestTimeout > 0 {
		timeout = cfg.Config.AppRequestTimeout
	}

	middlewares := []func(http.Handler) http.Handler{
		middleware.RealIP,
		middleware.RequestID,
		actorMiddleware,
		middleware.Recoverer,
		middleware.Timeout(timeout),
		middleware.Compress(5),
		httprate.Limit(60, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)),
	}
	if cfg.Metrics != nil {
		middlewares = append(middlewares, func(next http.Handler) http.Handler {
			return cfg.Metrics.Middleware(next)
		})
	}
	return middlewares
}
