package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/nikhilbhutani/grcgate/internal/apperr"
	"github.com/nikhilbhutani/grcgate/internal/audit"
	"github.com/nikhilbhutani/grcgate/internal/database"
	"github.com/nikhilbhutani/grcgate/internal/models"
	"github.com/nikhilbhutani/grcgate/internal/reqctx"
)

type AuditReader interface {
	Query(ctx context.Context, db database.DBTX, q audit.Query) ([]models.AuditLog, error)
}

type AuditHandler struct {
	logs AuditReader
}

func NewAuditHandler(logs AuditReader) *AuditHandler {
	return &AuditHandler{logs: logs}
}

// Logs lists the audit trail of the caller's tenant, newest first.
func (h *AuditHandler) Logs(ctx context.Context, rc *reqctx.Context, r *http.Request, _ reqctx.Params) (*reqctx.Response, error) {
	qs := r.URL.Query()
	q := audit.Query{
		EntityType: qs.Get("entity_type"),
		Action:     qs.Get("action"),
	}

	if v := qs.Get("user_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, apperr.Validation("Invalid query parameter").WithDetails("user_id must be an integer")
		}
		q.UserID = &id
	}
	var err error
	if q.StartDate, err = queryTime(qs.Get("start_date"), "start_date"); err != nil {
		return nil, err
	}
	if q.EndDate, err = queryTime(qs.Get("end_date"), "end_date"); err != nil {
		return nil, err
	}
	if q.Limit, err = queryInt(r, "limit", 50); err != nil {
		return nil, err
	}
	if q.Offset, err = queryInt(r, "offset", 0); err != nil {
		return nil, err
	}

	logs, err := h.logs.Query(ctx, rc.DB, q)
	if err != nil {
		return nil, apperr.Infrastructure(err)
	}
	return reqctx.OK(map[string]any{"success": true, "logs": logs}), nil
}

// queryTime accepts RFC 3339 timestamps or plain dates.
func queryTime(v, key string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, v); err == nil {
			return &t, nil
		}
	}
	return nil, apperr.Validation("Invalid query parameter").WithDetails(key + " must be a date or RFC 3339 timestamp")
}
