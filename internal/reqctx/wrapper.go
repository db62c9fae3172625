// Package reqctx is the single entry point through which business handlers
// reach tenant data. It authenticates the session, binds the session's schema,
// enforces route capabilities, runs the handler under a deadline, records the
// audit trail and maps every failure onto the error envelope.
package reqctx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/nikhilbhutani/grcgate/internal/apperr"
	"github.com/nikhilbhutani/grcgate/internal/audit"
	"github.com/nikhilbhutani/grcgate/internal/auth"
	"github.com/nikhilbhutani/grcgate/internal/database"
	"github.com/nikhilbhutani/grcgate/internal/models"
	"github.com/nikhilbhutani/grcgate/internal/session"
	"github.com/nikhilbhutani/grcgate/internal/tenant"
)

type HandlerFunc func(ctx context.Context, rc *Context, r *http.Request, params Params) (*Response, error)

type SessionValidator interface {
	Validate(ctx context.Context, token string) (*models.Session, error)
}

type HandleResolver interface {
	Resolve(ctx context.Context, schemaID string) (*tenant.Handle, error)
}

type CapabilityLoader interface {
	Capabilities(ctx context.Context, db database.DBTX, schemaID string, userID int64) (auth.Capabilities, error)
}

type AuditLogger interface {
	Log(ctx context.Context, target audit.Target, e audit.Entry) error
}

type Config struct {
	Sessions    SessionValidator
	Resolver    HandleResolver
	Permissions CapabilityLoader
	Audit       AuditLogger
	CookieName  string
	Timeout     time.Duration // 0 disables the per-request deadline
}

type Wrapper struct {
	cfg Config
}

func New(cfg Config) *Wrapper {
	return &Wrapper{cfg: cfg}
}

type route struct {
	resource    string
	action      models.Action
	table       string
	tableAction models.Action
	audited     bool
	auditAction string
	auditEntity string
}

type Option func(*route)

// RequireCapability rejects callers whose capabilities do not grant action on
// resource.
func RequireCapability(resource string, action models.Action) Option {
	return func(rt *route) {
		rt.resource = resource
		rt.action = action
	}
}

// RequireTable rejects callers whose table grants do not allow action on
// table. The handler reads its row filter from Context.Scope.
func RequireTable(table string, action models.Action) Option {
	return func(rt *route) {
		rt.table = table
		rt.tableAction = action
	}
}

// Audited records the route even when its method is not mutating.
func Audited(action, entityType string) Option {
	return func(rt *route) {
		rt.audited = true
		rt.auditAction = action
		rt.auditEntity = entityType
	}
}

var errTimeout = apperr.New(apperr.KindTimeout, "Request timed out")

type result struct {
	resp *Response
	err  error
}

func (w *Wrapper) Wrap(fn HandlerFunc, opts ...Option) http.HandlerFunc {
	var rt route
	for _, o := range opts {
		o(&rt)
	}

	return func(rw http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		log := slog.With("request_id", chimiddleware.GetReqID(ctx))

		sess, err := w.cfg.Sessions.Validate(ctx, Token(r, w.cfg.CookieName))
		if err != nil {
			if errors.Is(err, session.ErrInvalid) {
				w.fail(rw, log, apperr.Unauthenticated())
			} else {
				w.fail(rw, log, apperr.Infrastructure(err))
			}
			return
		}
		log = log.With("schema_id", sess.SchemaID, "user_id", sess.UserID)

		h, err := w.cfg.Resolver.Resolve(ctx, sess.SchemaID)
		switch {
		case errors.Is(err, tenant.ErrNotFound):
			w.fail(rw, log, apperr.Wrap(apperr.KindTenantNotFound, "Unknown tenant", err))
			return
		case err != nil:
			w.fail(rw, log, apperr.Infrastructure(err))
			return
		case h.SchemaID() != sess.SchemaID:
			w.fail(rw, log, apperr.Infrastructure(fmt.Errorf("resolver returned %q for session schema %q", h.SchemaID(), sess.SchemaID)))
			return
		}

		var caps auth.Capabilities
		if rt.resource != "" || rt.table != "" {
			if caps, err = w.authorize(ctx, h, sess, rt); err != nil {
				w.fail(rw, log, err)
				return
			}
		}

		rc := &Context{
			DB:        h,
			UserID:    sess.UserID,
			UserEmail: sess.UserEmail,
			SchemaID:  sess.SchemaID,
			Session:   sess,
			Caps:      caps,
			Audit:     &AuditNote{},
		}

		resp, err := w.run(withContext(ctx, rc), rc, r, fn, log)

		if rt.audited || isMutating(r.Method) {
			w.record(ctx, r, rc, rt, resp, err)
		}

		if err != nil {
			w.fail(rw, log, err)
			return
		}
		writeResponse(rw, log, resp)
	}
}

func (w *Wrapper) authorize(ctx context.Context, h *tenant.Handle, sess *models.Session, rt route) (auth.Capabilities, error) {
	caps, err := w.cfg.Permissions.Capabilities(ctx, h, sess.SchemaID, sess.UserID)
	if errors.Is(err, auth.ErrNoPermissions) {
		return caps, apperr.Unauthorized("No permissions are assigned, please contact your administrator")
	}
	if err != nil {
		return caps, apperr.Infrastructure(err)
	}
	if rt.resource != "" && !auth.Authorize(caps, rt.resource, rt.action) {
		return caps, apperr.Unauthorized("")
	}
	if rt.table != "" && !auth.AuthorizeTable(caps, rt.table, rt.tableAction) {
		return caps, apperr.Unauthorized("")
	}
	return caps, nil
}

// run invokes fn on its own goroutine so that a deadline or a panic can never
// leave the caller without a response.
func (w *Wrapper) run(ctx context.Context, rc *Context, r *http.Request, fn HandlerFunc, log *slog.Logger) (*Response, error) {
	if w.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.Timeout)
		defer cancel()
	}

	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				log.Error("handler panic", "panic", p, "stack", string(debug.Stack()))
				done <- result{err: apperr.Infrastructure(fmt.Errorf("panic: %v", p))}
			}
		}()
		resp, err := fn(ctx, rc, r.WithContext(ctx), routeParams(r))
		done <- result{resp: resp, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && ctx.Err() == context.DeadlineExceeded {
			return nil, errTimeout
		}
		return res.resp, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errTimeout
		}
		return nil, apperr.Infrastructure(ctx.Err())
	}
}

func (w *Wrapper) record(ctx context.Context, r *http.Request, rc *Context, rt route, resp *Response, err error) {
	action, entityType, entityID, oldValues, newValues := rc.Audit.snapshot()
	if action == "" {
		action = rt.auditAction
	}
	if action == "" {
		action = actionFor(r.Method)
	}
	if entityType == "" {
		entityType = rt.auditEntity
	}
	if entityType == "" {
		entityType = routePattern(r)
	}

	entry := audit.Entry{
		UserID:     rc.UserID,
		UserEmail:  rc.UserEmail,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Success:    err == nil && (resp == nil || resp.Status < http.StatusBadRequest),
		IPAddress:  ClientIP(r),
		UserAgent:  r.UserAgent(),
		SessionID:  rc.Session.ID,
	}
	if isMutating(r.Method) {
		entry.OldValues, entry.NewValues = oldValues, newValues
	}
	if err != nil {
		entry.ErrorMessage = apperr.From(err).Message
	}

	// Failures are already logged, counted and queued by the recorder.
	_ = w.cfg.Audit.Log(context.WithoutCancel(ctx), rc.DB, entry)
}

func (w *Wrapper) fail(rw http.ResponseWriter, log *slog.Logger, err error) {
	ae := apperr.From(err)
	if ae.Kind == apperr.KindInfrastructure {
		log.Error("request failed", "kind", ae.Kind.String(), "error", err)
	} else {
		log.Info("request rejected", "kind", ae.Kind.String(), "error", err)
	}
	apperr.Write(rw, ae)
}

func writeResponse(rw http.ResponseWriter, log *slog.Logger, resp *Response) {
	if resp == nil {
		rw.WriteHeader(http.StatusNoContent)
		return
	}
	for k, vs := range resp.Header {
		for _, v := range vs {
			rw.Header().Add(k, v)
		}
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	if resp.Body == nil {
		rw.WriteHeader(status)
		return
	}
	if rw.Header().Get("Content-Type") == "" {
		rw.Header().Set("Content-Type", "application/json")
	}
	rw.WriteHeader(status)
	if err := json.NewEncoder(rw).Encode(resp.Body); err != nil {
		log.Error("encode response", "error", err)
	}
}

func routeParams(r *http.Request) Params {
	p := Params{}
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		for i, k := range rctx.URLParams.Keys {
			p[k] = rctx.URLParams.Values[i]
		}
	}
	return p
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func actionFor(method string) string {
	switch method {
	case http.MethodPost:
		return models.AuditActionCreate
	case http.MethodPut, http.MethodPatch:
		return models.AuditActionUpdate
	case http.MethodDelete:
		return models.AuditActionDelete
	default:
		return models.AuditActionRead
	}
}
