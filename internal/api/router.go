package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nikhilbhutani/grcgate/internal/api/handlers"
	"github.com/nikhilbhutani/grcgate/internal/api/middleware"
	"github.com/nikhilbhutani/grcgate/internal/audit"
	"github.com/nikhilbhutani/grcgate/internal/auth"
	"github.com/nikhilbhutani/grcgate/internal/config"
	"github.com/nikhilbhutani/grcgate/internal/models"
	"github.com/nikhilbhutani/grcgate/internal/reqctx"
	"github.com/nikhilbhutani/grcgate/internal/session"
	"github.com/nikhilbhutani/grcgate/internal/tenant"
)

// auditResource is the page path that gates the audit and session admin
// endpoints.
const auditResource = "/audit"

// Services are the components the router wires into handlers.
type Services struct {
	DB       handlers.Pinger
	Redis    handlers.Pinger
	Users    *auth.Users
	Verifier *auth.Verifier
	Sessions *session.Store
	Resolver *tenant.Resolver
	Perms    *auth.PermissionLoader
	Audit    *audit.Service
}

type Router struct {
	mux     *chi.Mux
	cfg     *config.Config
	svc     Services
	limiter *middleware.RateLimiter
}

func NewRouter(cfg *config.Config, svc Services) *Router {
	return &Router{
		mux:     chi.NewRouter(),
		cfg:     cfg,
		svc:     svc,
		limiter: middleware.NewRateLimiter(cfg.Auth.LoginRatePerMinute, cfg.Auth.LoginBurst),
	}
}

func (rt *Router) Setup() http.Handler {
	r := rt.mux

	r.Use(chimiddleware.RequestID)
	r.Use(middleware.RealIP(rt.cfg.Server.TrustedProxies))
	r.Use(middleware.Logging)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Metrics)
	r.Use(middleware.CORS(rt.cfg.Server.AllowedOrigins))

	health := handlers.NewHealthHandler(rt.svc.DB, rt.svc.Redis)
	r.Get("/healthz", health.Healthz)
	r.Get("/readyz", health.Readyz)
	r.Handle("/metrics", promhttp.Handler())

	wrap := reqctx.New(reqctx.Config{
		Sessions:    rt.svc.Sessions,
		Resolver:    rt.svc.Resolver,
		Permissions: rt.svc.Perms,
		Audit:       rt.svc.Audit,
		CookieName:  rt.cfg.Session.CookieName,
		Timeout:     rt.cfg.Server.RequestTimeout,
	})

	authH := handlers.NewAuthHandler(rt.svc.Users, rt.svc.Verifier, rt.svc.Resolver, rt.svc.Perms,
		rt.svc.Sessions, rt.svc.Audit, handlers.CookieConfig{
			Name:   rt.cfg.Session.CookieName,
			Secure: rt.cfg.Session.CookieSecure,
		})
	sessionsH := handlers.NewSessionsHandler(rt.svc.Sessions)
	auditH := handlers.NewAuditHandler(rt.svc.Audit)

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.With(rt.limiter.Limit).Post("/login", authH.Login)
			r.Post("/logout", wrap.Wrap(authH.Logout))
			r.Get("/session", wrap.Wrap(authH.Session))
		})

		r.Route("/audit", func(r chi.Router) {
			r.Get("/sessions", wrap.Wrap(sessionsH.List,
				reqctx.RequireCapability(auditResource, models.ActionRead)))
			r.Delete("/sessions/{id}", wrap.Wrap(sessionsH.Terminate,
				reqctx.RequireCapability(auditResource, models.ActionUpdate)))
			r.Get("/logs", wrap.Wrap(auditH.Logs,
				reqctx.RequireCapability(auditResource, models.ActionRead),
				reqctx.Audited(models.AuditActionRead, models.EntityAuditLog)))
		})
	})

	return r
}

// Close stops background work owned by the router.
func (rt *Router) Close() {
	rt.limiter.Stop()
}
