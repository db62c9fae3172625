package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nikhilbhutani/grcgate/internal/alert"
	"github.com/nikhilbhutani/grcgate/internal/apperr"
	"github.com/nikhilbhutani/grcgate/internal/database"
	"github.com/nikhilbhutani/grcgate/internal/models"
)

const EventWriteFailed = "audit.write_failed"

var (
	auditWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grcgate_audit_writes_total",
		Help: "Audit records written, by success of the audited operation",
	}, []string{"success"})
	auditWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "grcgate_audit_write_failures_total",
		Help: "Audit records that could not be persisted",
	})
)

// Target is a schema-scoped handle. *tenant.Handle satisfies it.
type Target interface {
	database.DBTX
	SchemaID() string
}

// Entry is one audit record before it is persisted. ID is the idempotency key:
// it is fixed before the first write attempt and travels with retries, so a
// write that landed but was reported as failed is not stored twice.
type Entry struct {
	ID           uuid.UUID       `json:"id"`
	UserID       int64           `json:"user_id"`
	UserEmail    string          `json:"user_email"`
	Action       string          `json:"action"`
	EntityType   string          `json:"entity_type"`
	EntityID     string          `json:"entity_id,omitempty"`
	OldValues    json.RawMessage `json:"old_values,omitempty"`
	NewValues    json.RawMessage `json:"new_values,omitempty"`
	Success      bool            `json:"success"`
	ErrorMessage string          `json:"error_message,omitempty"`
	IPAddress    string          `json:"ip_address,omitempty"`
	UserAgent    string          `json:"user_agent,omitempty"`
	SessionID    string          `json:"session_id,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Snapshot encodes v for OldValues/NewValues. nil and unencodable values give
// nil.
func Snapshot(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("audit snapshot not encodable", "error", err)
		return nil
	}
	return data
}

// Retrier queues an entry whose first write failed.
type Retrier interface {
	EnqueueAuditRetry(ctx context.Context, schemaID string, e Entry) error
}

type Service struct {
	control database.DBTX
	alerts  *alert.Dispatcher
	retry   Retrier
	now     func() time.Time
}

// NewService wires the recorder. alerts and retry may be nil.
func NewService(control database.DBTX, alerts *alert.Dispatcher, retry Retrier) *Service {
	return &Service{control: control, alerts: alerts, retry: retry, now: time.Now}
}

// Log persists e in the target's schema. A failed write is logged, counted,
// alerted and queued for retry, and returned as AuditWriteFailed. It must not
// be used to alter the outcome of the audited operation.
func (s *Service) Log(ctx context.Context, target Target, e Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now().UTC()
	}

	err := Write(ctx, target, e)
	if err == nil {
		auditWrites.WithLabelValues(fmt.Sprint(e.Success)).Inc()
		return nil
	}

	schemaID := target.SchemaID()
	auditWriteFailures.Inc()
	slog.Warn("audit write failed",
		"schema_id", schemaID,
		"user_id", e.UserID,
		"action", e.Action,
		"entity_type", e.EntityType,
		"entity_id", e.EntityID,
		"error", err,
	)

	s.alerts.Enqueue(alert.Alert{
		Event:    EventWriteFailed,
		SchemaID: schemaID,
		Payload: map[string]any{
			"user_id":     e.UserID,
			"action":      e.Action,
			"entity_type": e.EntityType,
			"entity_id":   e.EntityID,
			"error":       err.Error(),
		},
	})

	if s.retry != nil {
		// The request context may already be finishing.
		if qerr := s.retry.EnqueueAuditRetry(context.WithoutCancel(ctx), schemaID, e); qerr != nil {
			slog.Error("audit retry enqueue failed", "schema_id", schemaID, "error", qerr)
		}
	}

	return apperr.Wrap(apperr.KindAuditWriteFailed, "Audit record not persisted", err)
}

// Write performs the insert with no failure handling. The retry worker uses it
// directly so that asynq owns the retry schedule. A second write of the same
// entry ID is a no-op.
func Write(ctx context.Context, db database.DBTX, e Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := db.Exec(ctx,
		`INSERT INTO audit_logs
			(entry_id, user_id, user_email, action, entity_type, entity_id, old_values, new_values,
			 ip_address, user_agent, session_id, success, error_message, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (entry_id) DO NOTHING`,
		e.ID, e.UserID, e.UserEmail, e.Action, e.EntityType, e.EntityID,
		nullJSON(e.OldValues), nullJSON(e.NewValues), parseIP(e.IPAddress),
		e.UserAgent, e.SessionID, e.Success, e.ErrorMessage, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// LogLoginAttempt records a login outcome in the control plane. Failures are
// logged and returned; they never block the login.
func (s *Service) LogLoginAttempt(ctx context.Context, a models.LoginAttempt) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now().UTC()
	}
	_, err := s.control.Exec(ctx,
		`INSERT INTO public.login_attempts (username, ip_address, user_agent, success, failure_reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.Username, parseIP(a.IPAddress), a.UserAgent, a.Success, a.FailureReason, a.CreatedAt,
	)
	if err != nil {
		slog.Warn("login attempt not recorded", "username", a.Username, "error", err)
		return fmt.Errorf("insert login attempt: %w", err)
	}
	return nil
}

type Query struct {
	UserID     *int64
	EntityType string
	Action     string
	StartDate  *time.Time
	EndDate    *time.Time
	Limit      int
	Offset     int
}

func (s *Service) Query(ctx context.Context, db database.DBTX, q Query) ([]models.AuditLog, error) {
	if q.Limit <= 0 || q.Limit > 500 {
		q.Limit = 50
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	query := `SELECT id, user_id, user_email, action, entity_type, COALESCE(entity_id, ''),
			         old_values, new_values, COALESCE(host(ip_address), ''), COALESCE(user_agent, ''),
			         COALESCE(session_id, ''), success, COALESCE(error_message, ''), timestamp
			  FROM audit_logs WHERE TRUE`
	var args []any
	argIdx := 1

	if q.UserID != nil {
		query += fmt.Sprintf(" AND user_id = $%d", argIdx)
		args = append(args, *q.UserID)
		argIdx++
	}
	if q.EntityType != "" {
		query += fmt.Sprintf(" AND entity_type = $%d", argIdx)
		args = append(args, q.EntityType)
		argIdx++
	}
	if q.Action != "" {
		query += fmt.Sprintf(" AND action = $%d", argIdx)
		args = append(args, q.Action)
		argIdx++
	}
	if q.StartDate != nil {
		query += fmt.Sprintf(" AND timestamp >= $%d", argIdx)
		args = append(args, *q.StartDate)
		argIdx++
	}
	if q.EndDate != nil {
		query += fmt.Sprintf(" AND timestamp <= $%d", argIdx)
		args = append(args, *q.EndDate)
		argIdx++
	}

	query += fmt.Sprintf(" ORDER BY timestamp DESC, id DESC LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, q.Limit, q.Offset)

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	defer rows.Close()

	logs := []models.AuditLog{}
	for rows.Next() {
		var l models.AuditLog
		if err := rows.Scan(&l.ID, &l.UserID, &l.UserEmail, &l.Action, &l.EntityType, &l.EntityID,
			&l.OldValues, &l.NewValues, &l.IPAddress, &l.UserAgent, &l.SessionID,
			&l.Success, &l.ErrorMessage, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit logs: %w", err)
	}
	return logs, nil
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func parseIP(s string) *netip.Addr {
	if s == "" {
		return nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return nil
	}
	return &addr
}
