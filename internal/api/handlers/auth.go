package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/nikhilbhutani/grcgate/internal/apperr"
	"github.com/nikhilbhutani/grcgate/internal/audit"
	"github.com/nikhilbhutani/grcgate/internal/auth"
	"github.com/nikhilbhutani/grcgate/internal/database"
	"github.com/nikhilbhutani/grcgate/internal/models"
	"github.com/nikhilbhutani/grcgate/internal/reqctx"
	"github.com/nikhilbhutani/grcgate/internal/session"
	"github.com/nikhilbhutani/grcgate/internal/tenant"
)

const noPermissionsMessage = "No permissions are assigned, please contact your administrator"

type UserFinder interface {
	FindActive(ctx context.Context, username string) (*models.User, error)
}

type CredentialChecker interface {
	Verify(raw, storedHash string) bool
	Equalize(raw string)
}

type TenantResolver interface {
	Resolve(ctx context.Context, schemaID string) (*tenant.Handle, error)
}

type PermissionSource interface {
	Load(ctx context.Context, db database.DBTX, schemaID string, userID int64) ([]models.Permission, error)
	Refresh(ctx context.Context, db database.DBTX, schemaID string, userID int64) ([]models.Permission, error)
	Invalidate(ctx context.Context, schemaID string, userID int64) error
}

type SessionManager interface {
	Create(ctx context.Context, user *models.User, meta session.Meta) (string, *models.Session, error)
	Terminate(ctx context.Context, schemaID, id string) error
}

type AuditSink interface {
	Log(ctx context.Context, target audit.Target, e audit.Entry) error
	LogLoginAttempt(ctx context.Context, a models.LoginAttempt) error
}

type CookieConfig struct {
	Name   string
	Secure bool
}

type AuthHandler struct {
	users    UserFinder
	verifier CredentialChecker
	resolver TenantResolver
	perms    PermissionSource
	sessions SessionManager
	audit    AuditSink
	cookie   CookieConfig
}

func NewAuthHandler(users UserFinder, verifier CredentialChecker, resolver TenantResolver,
	perms PermissionSource, sessions SessionManager, audit AuditSink, cookie CookieConfig) *AuthHandler {
	return &AuthHandler{
		users:    users,
		verifier: verifier,
		resolver: resolver,
		perms:    perms,
		sessions: sessions,
		audit:    audit,
		cookie:   cookie,
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Success       bool                `json:"success"`
	User          *models.User        `json:"user"`
	PermissionMap []models.Permission `json:"permissionMap"`
	MenuList      []models.MenuNode   `json:"menuList"`
}

var errBadCredentials = apperr.New(apperr.KindUnauthenticated, "Invalid username or password")

// Login verifies credentials, opens a session bound to the user's schema and
// returns the user's permissions with the navigation tree built from them.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slog.With("request_id", chimiddleware.GetReqID(ctx))

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil ||
		strings.TrimSpace(req.Username) == "" || req.Password == "" {
		apperr.Write(w, apperr.Validation("Invalid payload"))
		return
	}

	attempt := models.LoginAttempt{
		Username:  req.Username,
		IPAddress: reqctx.ClientIP(r),
		UserAgent: r.UserAgent(),
	}

	user, err := h.users.FindActive(ctx, req.Username)
	if errors.Is(err, auth.ErrUserNotFound) {
		h.verifier.Equalize(req.Password)
		h.recordAttempt(ctx, attempt, "unknown_user")
		apperr.Write(w, errBadCredentials)
		return
	}
	if err != nil {
		log.Error("login user lookup failed", "error", err)
		apperr.Write(w, apperr.Infrastructure(err))
		return
	}
	log = log.With("schema_id", user.SchemaID, "user_id", user.ID)

	if !h.verifier.Verify(req.Password, user.PasswordHash) {
		h.recordAttempt(ctx, attempt, "bad_password")
		if th, err := h.resolver.Resolve(ctx, user.SchemaID); err == nil {
			h.auditLogin(ctx, r, th, user, "", models.AuditActionLoginFailed, errBadCredentials.Message)
		}
		apperr.Write(w, errBadCredentials)
		return
	}

	th, err := h.resolver.Resolve(ctx, user.SchemaID)
	if errors.Is(err, tenant.ErrNotFound) {
		log.Warn("login for user with unknown tenant")
		h.recordAttempt(ctx, attempt, "unknown_tenant")
		apperr.Write(w, apperr.Wrap(apperr.KindTenantNotFound, "Unknown tenant", err))
		return
	}
	if err != nil {
		log.Error("login tenant resolution failed", "error", err)
		apperr.Write(w, apperr.Infrastructure(err))
		return
	}

	perms, err := h.perms.Refresh(ctx, th, user.SchemaID, user.ID)
	if errors.Is(err, auth.ErrNoPermissions) {
		h.recordAttempt(ctx, attempt, "no_permissions")
		h.auditLogin(ctx, r, th, user, "", models.AuditActionLoginFailed, noPermissionsMessage)
		apperr.Write(w, apperr.Unauthorized(noPermissionsMessage))
		return
	}
	if err != nil {
		log.Error("login permission load failed", "error", err)
		apperr.Write(w, apperr.Infrastructure(err))
		return
	}

	token, sess, err := h.sessions.Create(ctx, user, session.Meta{IPAddress: attempt.IPAddress, UserAgent: attempt.UserAgent})
	if err != nil {
		log.Error("login session create failed", "error", err)
		apperr.Write(w, apperr.Infrastructure(err))
		return
	}

	http.SetCookie(w, h.sessionCookie(token, sess.ExpiresAt))
	attempt.Success = true
	h.recordAttempt(ctx, attempt, "")
	h.auditLogin(ctx, r, th, user, sess.ID, models.AuditActionLogin, "")
	log.Info("user logged in", "session_id", sess.ID)

	writeJSON(w, http.StatusOK, loginResponse{
		Success:       true,
		User:          user,
		PermissionMap: perms,
		MenuList:      auth.BuildMenu(perms),
	})
}

// Logout terminates the caller's session and clears the cookie.
func (h *AuthHandler) Logout(ctx context.Context, rc *reqctx.Context, r *http.Request, _ reqctx.Params) (*reqctx.Response, error) {
	rc.Audit.SetAction(models.AuditActionLogout)
	rc.Audit.SetEntity(models.EntitySession, rc.Session.ID)

	if err := h.sessions.Terminate(ctx, rc.SchemaID, rc.Session.ID); err != nil && !errors.Is(err, session.ErrNotFound) {
		return nil, apperr.Infrastructure(err)
	}
	if err := h.perms.Invalidate(ctx, rc.SchemaID, rc.UserID); err != nil {
		slog.Warn("permission cache invalidation failed", "schema_id", rc.SchemaID, "user_id", rc.UserID, "error", err)
	}

	resp := reqctx.OK(map[string]bool{"success": true})
	resp.Header = http.Header{}
	resp.Header.Add("Set-Cookie", h.sessionCookie("", time.Unix(0, 0)).String())
	return resp, nil
}

type sessionResponse struct {
	Success       bool                `json:"success"`
	Session       *models.Session     `json:"session"`
	PermissionMap []models.Permission `json:"permissionMap"`
	MenuList      []models.MenuNode   `json:"menuList"`
}

// Session returns the caller's session with a freshly built menu.
func (h *AuthHandler) Session(ctx context.Context, rc *reqctx.Context, _ *http.Request, _ reqctx.Params) (*reqctx.Response, error) {
	perms, err := h.perms.Load(ctx, rc.DB, rc.SchemaID, rc.UserID)
	if errors.Is(err, auth.ErrNoPermissions) {
		return nil, apperr.Unauthorized(noPermissionsMessage)
	}
	if err != nil {
		return nil, apperr.Infrastructure(err)
	}
	return reqctx.OK(sessionResponse{
		Success:       true,
		Session:       rc.Session,
		PermissionMap: perms,
		MenuList:      auth.BuildMenu(perms),
	}), nil
}

func (h *AuthHandler) sessionCookie(value string, expires time.Time) *http.Cookie {
	c := &http.Cookie{
		Name:     h.cookie.Name,
		Value:    value,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	}
	if value == "" {
		c.MaxAge = -1
	}
	return c
}

func (h *AuthHandler) recordAttempt(ctx context.Context, a models.LoginAttempt, reason string) {
	a.FailureReason = reason
	_ = h.audit.LogLoginAttempt(context.WithoutCancel(ctx), a)
}

func (h *AuthHandler) auditLogin(ctx context.Context, r *http.Request, th *tenant.Handle, user *models.User, sessionID, action, errMsg string) {
	_ = h.audit.Log(context.WithoutCancel(ctx), th, audit.Entry{
		UserID:       user.ID,
		UserEmail:    user.Email,
		Action:       action,
		EntityType:   models.EntityUser,
		EntityID:     user.Username,
		Success:      errMsg == "",
		ErrorMessage: errMsg,
		IPAddress:    reqctx.ClientIP(r),
		UserAgent:    r.UserAgent(),
		SessionID:    sessionID,
	})
}
