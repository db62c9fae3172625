package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/nikhilbhutani/grcgate/internal/apperr"
	"github.com/nikhilbhutani/grcgate/internal/models"
	"github.com/nikhilbhutani/grcgate/internal/reqctx"
	"github.com/nikhilbhutani/grcgate/internal/session"
)

type SessionAdmin interface {
	List(ctx context.Context, schemaID string, q session.ListQuery) ([]models.Session, error)
	Get(ctx context.Context, schemaID, id string) (*models.Session, error)
	Terminate(ctx context.Context, schemaID, id string) error
}

// SessionsHandler lets administrators inspect and end sessions of their own
// tenant.
type SessionsHandler struct {
	sessions SessionAdmin
}

func NewSessionsHandler(sessions SessionAdmin) *SessionsHandler {
	return &SessionsHandler{sessions: sessions}
}

func (h *SessionsHandler) List(ctx context.Context, rc *reqctx.Context, r *http.Request, _ reqctx.Params) (*reqctx.Response, error) {
	q := session.ListQuery{ActiveOnly: true}
	if v := r.URL.Query().Get("active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, apperr.Validation("Invalid query parameter").WithDetails("active must be true or false")
		}
		q.ActiveOnly = b
	}
	var err error
	if q.Limit, err = queryInt(r, "limit", 50); err != nil {
		return nil, err
	}
	if q.Offset, err = queryInt(r, "offset", 0); err != nil {
		return nil, err
	}

	list, err := h.sessions.List(ctx, rc.SchemaID, q)
	if err != nil {
		return nil, apperr.Infrastructure(err)
	}
	if list == nil {
		list = []models.Session{}
	}
	return reqctx.OK(map[string]any{"success": true, "sessions": list}), nil
}

func (h *SessionsHandler) Terminate(ctx context.Context, rc *reqctx.Context, _ *http.Request, params reqctx.Params) (*reqctx.Response, error) {
	id := params.Get("id")
	rc.Audit.SetEntity(models.EntitySession, id)

	sess, err := h.sessions.Get(ctx, rc.SchemaID, id)
	if errors.Is(err, session.ErrNotFound) {
		return nil, apperr.NotFound("Session not found")
	}
	if err != nil {
		return nil, apperr.Infrastructure(err)
	}
	rc.Audit.SetOld(sess)

	if err := h.sessions.Terminate(ctx, rc.SchemaID, id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, apperr.NotFound("Session not found")
		}
		return nil, apperr.Infrastructure(err)
	}
	rc.Audit.SetNew(map[string]any{"id": id, "is_active": false})

	return reqctx.OK(map[string]bool{"success": true}), nil
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, apperr.Validation("Invalid query parameter").WithDetails(key + " must be a non-negative integer")
	}
	return n, nil
}
