package reqctx

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/nikhilbhutani/grcgate/internal/audit"
	"github.com/nikhilbhutani/grcgate/internal/auth"
	"github.com/nikhilbhutani/grcgate/internal/models"
	"github.com/nikhilbhutani/grcgate/internal/tenant"
)

// Context is what a wrapped handler receives about its caller.
type Context struct {
	DB        *tenant.Handle
	UserID    int64
	UserEmail string
	SchemaID  string
	Session   *models.Session
	// Caps is loaded only for routes with a capability or table requirement.
	Caps      auth.Capabilities
	Audit     *AuditNote
}

// Scope is the row filter the caller is held to on table. On a route that
// loaded no capabilities it restricts to the caller's own rows.
func (rc *Context) Scope(table string) auth.Scope {
	return rc.Caps.Scope(table)
}

// Params holds the chi URL parameters of the matched route.
type Params map[string]string

func (p Params) Get(key string) string { return p[key] }

// Response is a successful handler result. Body is JSON encoded when non-nil.
type Response struct {
	Status int
	Header http.Header
	Body   any
}

func JSON(status int, body any) *Response {
	return &Response{Status: status, Body: body}
}

func OK(body any) *Response {
	return JSON(http.StatusOK, body)
}

// AuditNote lets a handler describe what it changed. It is safe to use from
// the handler goroutine while the wrapper reads it after a timeout.
type AuditNote struct {
	mu         sync.Mutex
	action     string
	entityType string
	entityID   string
	oldValues  json.RawMessage
	newValues  json.RawMessage
}

func (a *AuditNote) SetAction(action string) {
	a.mu.Lock()
	a.action = action
	a.mu.Unlock()
}

func (a *AuditNote) SetEntity(entityType, entityID string) {
	a.mu.Lock()
	a.entityType, a.entityID = entityType, entityID
	a.mu.Unlock()
}

func (a *AuditNote) SetOld(v any) {
	raw := audit.Snapshot(v)
	a.mu.Lock()
	a.oldValues = raw
	a.mu.Unlock()
}

func (a *AuditNote) SetNew(v any) {
	raw := audit.Snapshot(v)
	a.mu.Lock()
	a.newValues = raw
	a.mu.Unlock()
}

func (a *AuditNote) snapshot() (action, entityType, entityID string, oldValues, newValues json.RawMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.action, a.entityType, a.entityID, a.oldValues, a.newValues
}

type ctxKey struct{}

func withContext(ctx context.Context, rc *Context) context.Context {
	return tenant.WithHandle(context.WithValue(ctx, ctxKey{}, rc), rc.DB)
}

// FromContext returns the request context installed by the wrapper, or nil.
func FromContext(ctx context.Context) *Context {
	rc, _ := ctx.Value(ctxKey{}).(*Context)
	return rc
}

// ClientIP returns the caller address without port. Forwarding headers are
// applied to RemoteAddr upstream, and only for trusted proxies.
func ClientIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// Token returns the session token from the cookie, falling back to an
// Authorization bearer header. The scheme name is case-insensitive.
func Token(r *http.Request, cookieName string) string {
	if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
		return c.Value
	}
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}
