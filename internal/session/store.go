package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nikhilbhutani/grcgate/internal/auth"
	"github.com/nikhilbhutani/grcgate/internal/database"
	"github.com/nikhilbhutani/grcgate/internal/models"
)

var (
	// ErrInvalid covers every reason a token does not map to a usable session.
	// Callers must not distinguish between them.
	ErrInvalid  = errors.New("session invalid")
	ErrNotFound = errors.New("session not found")
)

var (
	sessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "grcgate_sessions_created_total",
		Help: "Sessions created by successful logins",
	})
	sessionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grcgate_sessions_rejected_total",
		Help: "Session validations that failed, by reason",
	}, []string{"reason"})
	sessionsDeactivated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grcgate_sessions_deactivated_total",
		Help: "Sessions flipped to inactive, by cause",
	}, []string{"cause"})
)

type Meta struct {
	IPAddress string
	UserAgent string
}

type ListQuery struct {
	ActiveOnly bool
	Limit      int
	Offset     int
}

type Config struct {
	TTL         time.Duration
	IdleTimeout time.Duration // 0 disables idle expiry
}

// Store persists sessions in the control-plane user_sessions table. Tokens are
// signed references to a row; the row is the source of truth.
type Store struct {
	db    database.DBTX
	codec *auth.TokenCodec
	cfg   Config
	now   func() time.Time
}

func NewStore(db database.DBTX, codec *auth.TokenCodec, cfg Config) *Store {
	return &Store{db: db, codec: codec, cfg: cfg, now: time.Now}
}

const sessionColumns = `id::text, user_id, username, user_email, schema_id,
	COALESCE(host(ip_address), ''), user_agent, created_at, last_activity, expires_at, is_active`

func (s *Store) Create(ctx context.Context, user *models.User, meta Meta) (string, *models.Session, error) {
	now := s.now().UTC()
	sess := &models.Session{
		ID:           uuid.NewString(),
		UserID:       user.ID,
		Username:     user.Username,
		UserEmail:    user.Email,
		SchemaID:     user.SchemaID,
		IPAddress:    meta.IPAddress,
		UserAgent:    meta.UserAgent,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(s.cfg.TTL),
		IsActive:     true,
	}

	_, err := s.db.Exec(ctx,
		`INSERT INTO public.user_sessions
			(id, user_id, username, user_email, schema_id, ip_address, user_agent,
			 created_at, last_activity, expires_at, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8, $9, TRUE)`,
		sess.ID, sess.UserID, sess.Username, sess.UserEmail, sess.SchemaID,
		parseIP(meta.IPAddress), sess.UserAgent, sess.CreatedAt, sess.ExpiresAt,
	)
	if err != nil {
		return "", nil, fmt.Errorf("insert session: %w", err)
	}

	token, err := s.codec.Issue(sess.ID, sess.UserID, sess.SchemaID, sess.ExpiresAt)
	if err != nil {
		return "", nil, err
	}

	sessionsCreated.Inc()
	return token, sess, nil
}

// Validate resolves token to an active session and refreshes its last
// activity. It never extends expires_at.
func (s *Store) Validate(ctx context.Context, token string) (*models.Session, error) {
	claims, err := s.codec.Parse(token)
	if err != nil {
		sessionsRejected.WithLabelValues("token").Inc()
		return nil, ErrInvalid
	}
	if _, err := uuid.Parse(claims.SessionID()); err != nil {
		sessionsRejected.WithLabelValues("token").Inc()
		return nil, ErrInvalid
	}

	sess, err := s.get(ctx, claims.SessionID())
	if errors.Is(err, pgx.ErrNoRows) {
		sessionsRejected.WithLabelValues("missing").Inc()
		return nil, ErrInvalid
	}
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	switch {
	case !sess.IsActive:
		sessionsRejected.WithLabelValues("inactive").Inc()
		return nil, ErrInvalid
	case sess.SchemaID != claims.SchemaID:
		slog.Warn("session schema does not match token", "session_id", sess.ID, "schema_id", sess.SchemaID)
		sessionsRejected.WithLabelValues("schema_mismatch").Inc()
		return nil, ErrInvalid
	case !now.Before(sess.ExpiresAt):
		s.expire(ctx, sess.ID, "expired")
		return nil, ErrInvalid
	case s.cfg.IdleTimeout > 0 && now.Sub(sess.LastActivity) > s.cfg.IdleTimeout:
		s.expire(ctx, sess.ID, "idle")
		return nil, ErrInvalid
	}

	if _, err := s.db.Exec(ctx,
		"UPDATE public.user_sessions SET last_activity = $2 WHERE id = $1 AND is_active = TRUE",
		sess.ID, now,
	); err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}
	sess.LastActivity = now
	return sess, nil
}

func (s *Store) expire(ctx context.Context, id, cause string) {
	sessionsRejected.WithLabelValues(cause).Inc()
	if _, err := s.db.Exec(ctx, "UPDATE public.user_sessions SET is_active = FALSE WHERE id = $1", id); err != nil {
		slog.Warn("failed to deactivate session", "session_id", id, "cause", cause, "error", err)
		return
	}
	sessionsDeactivated.WithLabelValues(cause).Inc()
}

// Terminate deactivates a session of schemaID. Terminating an inactive session
// succeeds; a session belonging to another schema is reported as not found.
func (s *Store) Terminate(ctx context.Context, schemaID, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}

	tag, err := s.db.Exec(ctx,
		"UPDATE public.user_sessions SET is_active = FALSE WHERE id = $1 AND schema_id = $2",
		id, schemaID,
	)
	if err != nil {
		return fmt.Errorf("terminate session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	sessionsDeactivated.WithLabelValues("terminated").Inc()
	return nil
}

// Get returns a session of schemaID regardless of its state.
func (s *Store) Get(ctx context.Context, schemaID, id string) (*models.Session, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	sess, err := s.get(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && sess.SchemaID != schemaID) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Store) List(ctx context.Context, schemaID string, q ListQuery) ([]models.Session, error) {
	if q.Limit <= 0 || q.Limit > 500 {
		q.Limit = 50
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	rows, err := s.db.Query(ctx,
		`SELECT `+sessionColumns+`
		 FROM public.user_sessions
		 WHERE schema_id = $1 AND ($2 = FALSE OR is_active = TRUE)
		 ORDER BY last_activity DESC
		 LIMIT $3 OFFSET $4`,
		schemaID, q.ActiveOnly, q.Limit, q.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []models.Session
	for rows.Next() {
		var sess models.Session
		if err := scanSession(rows, &sess); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// DeactivateIdle flips every active session that is past expires_at, or whose
// last activity is older than cutoff, to inactive. Rows are kept.
func (s *Store) DeactivateIdle(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE public.user_sessions SET is_active = FALSE
		 WHERE is_active = TRUE AND (last_activity < $1 OR expires_at <= $2)`,
		cutoff, s.now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("deactivate idle sessions: %w", err)
	}
	n := tag.RowsAffected()
	sessionsDeactivated.WithLabelValues("sweep").Add(float64(n))
	return n, nil
}

// Sweep runs DeactivateIdle with the configured idle timeout. With idle expiry
// disabled only expired sessions are affected.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	var cutoff time.Time
	if s.cfg.IdleTimeout > 0 {
		cutoff = s.now().UTC().Add(-s.cfg.IdleTimeout)
	}
	return s.DeactivateIdle(ctx, cutoff)
}

func (s *Store) get(ctx context.Context, id string) (*models.Session, error) {
	var sess models.Session
	row := s.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM public.user_sessions WHERE id = $1`, id)
	if err := scanSession(row, &sess); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

func scanSession(row pgx.Row, sess *models.Session) error {
	return row.Scan(&sess.ID, &sess.UserID, &sess.Username, &sess.UserEmail, &sess.SchemaID,
		&sess.IPAddress, &sess.UserAgent, &sess.CreatedAt, &sess.LastActivity, &sess.ExpiresAt, &sess.IsActive)
}

func parseIP(s string) *netip.Addr {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return nil
	}
	return &addr
}
