package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhilbhutani/grcgate/internal/apperr"
	"github.com/nikhilbhutani/grcgate/internal/audit"
	"github.com/nikhilbhutani/grcgate/internal/auth"
	"github.com/nikhilbhutani/grcgate/internal/database"
	"github.com/nikhilbhutani/grcgate/internal/models"
	"github.com/nikhilbhutani/grcgate/internal/reqctx"
	"github.com/nikhilbhutani/grcgate/internal/session"
	"github.com/nikhilbhutani/grcgate/internal/tenant"
)

type fakeUsers struct {
	users map[string]*models.User
	err   error
}

func (f *fakeUsers) FindActive(_ context.Context, username string) (*models.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	u, ok := f.users[username]
	if !ok {
		return nil, auth.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

type fakeChecker struct {
	equalized int
}

func (f *fakeChecker) Verify(raw, stored string) bool { return stored == "hash:"+raw }
func (f *fakeChecker) Equalize(string)               { f.equalized++ }

type fakeResolver struct {
	handles map[string]*tenant.Handle
	err     error
}

func (f *fakeResolver) Resolve(_ context.Context, schemaID string) (*tenant.Handle, error) {
	if f.err != nil {
		return nil, f.err
	}
	h, ok := f.handles[schemaID]
	if !ok {
		return nil, tenant.ErrNotFound
	}
	return h, nil
}

type fakePerms struct {
	perms       []models.Permission
	err         error
	loads       int
	refreshes   int
	invalidated []int64
}

func (f *fakePerms) Load(context.Context, database.DBTX, string, int64) ([]models.Permission, error) {
	f.loads++
	return f.perms, f.err
}

func (f *fakePerms) Refresh(context.Context, database.DBTX, string, int64) ([]models.Permission, error) {
	f.refreshes++
	return f.perms, f.err
}

func (f *fakePerms) Invalidate(_ context.Context, _ string, userID int64) error {
	f.invalidated = append(f.invalidated, userID)
	return nil
}

type fakeSessions struct {
	created    []*models.User
	createErr  error
	terminated []string
	termErr    error
	list       []models.Session
	listQuery  session.ListQuery
	listSchema string
	byID       map[string]*models.Session
}

func (f *fakeSessions) Create(_ context.Context, u *models.User, meta session.Meta) (string, *models.Session, error) {
	if f.createErr != nil {
		return "", nil, f.createErr
	}
	f.created = append(f.created, u)
	return "signed-token", &models.Session{
		ID:        "5b0c8f7e-4a59-4d43-9d3e-6c1f1e2a0b11",
		UserID:    u.ID,
		SchemaID:  u.SchemaID,
		IPAddress: meta.IPAddress,
		ExpiresAt: time.Now().Add(time.Hour),
		IsActive:  true,
	}, nil
}

func (f *fakeSessions) Terminate(_ context.Context, schemaID, id string) error {
	if f.termErr != nil {
		return f.termErr
	}
	f.terminated = append(f.terminated, schemaID+"/"+id)
	return nil
}

func (f *fakeSessions) List(_ context.Context, schemaID string, q session.ListQuery) ([]models.Session, error) {
	f.listSchema, f.listQuery = schemaID, q
	return f.list, nil
}

func (f *fakeSessions) Get(_ context.Context, schemaID, id string) (*models.Session, error) {
	s, ok := f.byID[id]
	if !ok || s.SchemaID != schemaID {
		return nil, session.ErrNotFound
	}
	return s, nil
}

type fakeAudit struct {
	mu       sync.Mutex
	entries  []audit.Entry
	targets  []string
	attempts []models.LoginAttempt
}

func (f *fakeAudit) Log(_ context.Context, target audit.Target, e audit.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	f.targets = append(f.targets, target.SchemaID())
	return nil
}

func (f *fakeAudit) LogLoginAttempt(_ context.Context, a models.LoginAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, a)
	return nil
}

type authFixture struct {
	handler  *AuthHandler
	checker  *fakeChecker
	resolver *fakeResolver
	perms    *fakePerms
	sessions *fakeSessions
	audit    *fakeAudit
	handle   *tenant.Handle
}

func intPtr(n int) *int       { return &n }
func int64Ptr(n int64) *int64 { return &n }

func samplePermissions() []models.Permission {
	return []models.Permission{
		{PageID: 1, PageName: "Audit", PagePath: "-", Priority: intPtr(1), Actions: []models.Action{models.ActionRead}},
		{PageID: 2, PageName: "Logs", PagePath: "/audit", ParentID: int64Ptr(1), Actions: []models.Action{models.ActionRead}},
	}
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	pool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	f := &authFixture{
		checker:  &fakeChecker{},
		handle:   tenant.NewHandle("tenant_a", "tenant_a", pool),
		perms:    &fakePerms{perms: samplePermissions()},
		sessions: &fakeSessions{},
		audit:    &fakeAudit{},
	}
	f.resolver = &fakeResolver{handles: map[string]*tenant.Handle{"tenant_a": f.handle}}
	users := &fakeUsers{users: map[string]*models.User{
		"jdoe":   {ID: 7, Username: "jdoe", Email: "jdoe@acme.test", Status: models.UserStatusActive, PasswordHash: "hash:s3cret", SchemaID: "tenant_a"},
		"orphan": {ID: 8, Username: "orphan", Email: "o@acme.test", Status: models.UserStatusActive, PasswordHash: "hash:s3cret", SchemaID: "tenant_gone"},
	}}
	f.handler = NewAuthHandler(users, f.checker, f.resolver, f.perms, f.sessions, f.audit,
		CookieConfig{Name: "grc_session", Secure: true})
	return f
}

func login(f *authFixture, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(body))
	req.RemoteAddr = "203.0.113.9:5555"
	req.Header.Set("User-Agent", "test-agent")
	rec := httptest.NewRecorder()
	f.handler.Login(rec, req)
	return rec
}

func TestLoginSuccess(t *testing.T) {
	f := newAuthFixture(t)
	rec := login(f, `{"username":"jdoe","password":"s3cret"}`)

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Success       bool                `json:"success"`
		User          map[string]any      `json:"user"`
		PermissionMap []models.Permission `json:"permissionMap"`
		MenuList      []models.MenuNode   `json:"menuList"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, float64(7), body.User["id"])
	assert.NotContains(t, body.User, "password_hash")
	assert.NotContains(t, rec.Body.String(), "hash:s3cret")
	assert.Len(t, body.PermissionMap, 2)
	require.Len(t, body.MenuList, 1)
	assert.Equal(t, "Audit", body.MenuList[0].Title)
	require.Len(t, body.MenuList[0].Children, 1)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "grc_session", cookies[0].Name)
	assert.Equal(t, "signed-token", cookies[0].Value)
	assert.True(t, cookies[0].HttpOnly)
	assert.True(t, cookies[0].Secure)

	assert.Equal(t, 1, f.perms.refreshes, "login always bypasses the permission cache")
	assert.Zero(t, f.perms.loads)
	require.Len(t, f.sessions.created, 1)
	assert.Equal(t, "tenant_a", f.sessions.created[0].SchemaID)

	require.Len(t, f.audit.entries, 1)
	assert.Equal(t, models.AuditActionLogin, f.audit.entries[0].Action)
	assert.True(t, f.audit.entries[0].Success)
	assert.Equal(t, "203.0.113.9", f.audit.entries[0].IPAddress)
	assert.Equal(t, []string{"tenant_a"}, f.audit.targets)
	require.Len(t, f.audit.attempts, 1)
	assert.True(t, f.audit.attempts[0].Success)
}

func TestLoginInvalidPayload(t *testing.T) {
	for name, body := range map[string]string{
		"not json":         `{`,
		"missing password": `{"username":"jdoe"}`,
		"blank username":   `{"username":"  ","password":"x"}`,
	} {
		t.Run(name, func(t *testing.T) {
			f := newAuthFixture(t)
			rec := login(f, body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.JSONEq(t, `{"success":false,"error":"Invalid payload"}`, rec.Body.String())
			assert.Empty(t, f.sessions.created)
		})
	}
}

func TestLoginUnknownUserAndBadPasswordLookAlike(t *testing.T) {
	f := newAuthFixture(t)

	unknown := login(f, `{"username":"nobody","password":"s3cret"}`)
	wrong := login(f, `{"username":"jdoe","password":"guess"}`)

	assert.Equal(t, http.StatusUnauthorized, unknown.Code)
	assert.Equal(t, http.StatusUnauthorized, wrong.Code)
	assert.Equal(t, unknown.Body.String(), wrong.Body.String())
	assert.JSONEq(t, `{"success":false,"error":"Invalid username or password"}`, unknown.Body.String())

	assert.Equal(t, 1, f.checker.equalized, "unknown users still spend a hash comparison")
	assert.Empty(t, f.sessions.created)
	require.Len(t, f.audit.attempts, 2)
	assert.Equal(t, "unknown_user", f.audit.attempts[0].FailureReason)
	assert.Equal(t, "bad_password", f.audit.attempts[1].FailureReason)

	require.Len(t, f.audit.entries, 1, "only a known user's tenant gets a failed-login record")
	assert.Equal(t, models.AuditActionLoginFailed, f.audit.entries[0].Action)
	assert.False(t, f.audit.entries[0].Success)
}

func TestLoginNoPermissions(t *testing.T) {
	f := newAuthFixture(t)
	f.perms.err = auth.ErrNoPermissions

	rec := login(f, `{"username":"jdoe","password":"s3cret"}`)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"success":false,"error":"No permissions are assigned, please contact your administrator"}`, rec.Body.String())
	assert.Empty(t, f.sessions.created)
	assert.Empty(t, rec.Result().Cookies())
}

func TestLoginUnknownTenant(t *testing.T) {
	f := newAuthFixture(t)
	rec := login(f, `{"username":"orphan","password":"s3cret"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.sessions.created)
}

func TestLoginInfrastructureFailuresAreGeneric(t *testing.T) {
	f := newAuthFixture(t)
	f.sessions.createErr = errors.New("pq: relation user_sessions does not exist")

	rec := login(f, `{"username":"jdoe","password":"s3cret"}`)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "user_sessions")
	assert.JSONEq(t, `{"success":false,"error":"Internal server error"}`, rec.Body.String())
}

func newRC(h *tenant.Handle) *reqctx.Context {
	return &reqctx.Context{
		DB:        h,
		UserID:    7,
		UserEmail: "jdoe@acme.test",
		SchemaID:  "tenant_a",
		Session:   &models.Session{ID: "5b0c8f7e-4a59-4d43-9d3e-6c1f1e2a0b11", UserID: 7, SchemaID: "tenant_a"},
		Audit:     &reqctx.AuditNote{},
	}
}

func TestLogout(t *testing.T) {
	f := newAuthFixture(t)
	rc := newRC(f.handle)
	req := httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)

	resp, err := f.handler.Logout(context.Background(), rc, req, reqctx.Params{})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, []string{"tenant_a/" + rc.Session.ID}, f.sessions.terminated)
	assert.Equal(t, []int64{7}, f.perms.invalidated)
	cookie := resp.Header.Get("Set-Cookie")
	assert.Contains(t, cookie, "grc_session=")
	assert.Contains(t, cookie, "Max-Age=0")
}

func TestLogoutOfAlreadyEndedSession(t *testing.T) {
	f := newAuthFixture(t)
	f.sessions.termErr = session.ErrNotFound

	resp, err := f.handler.Logout(context.Background(), newRC(f.handle), httptest.NewRequest(http.MethodPost, "/", nil), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
}

func TestSessionReturnsFreshMenu(t *testing.T) {
	f := newAuthFixture(t)

	resp, err := f.handler.Session(context.Background(), newRC(f.handle), httptest.NewRequest(http.MethodGet, "/", nil), nil)
	require.NoError(t, err)

	body := resp.Body.(sessionResponse)
	assert.True(t, body.Success)
	assert.Equal(t, "tenant_a", body.Session.SchemaID)
	require.Len(t, body.MenuList, 1)
	assert.Equal(t, 1, f.perms.loads)
}

func TestSessionWithoutPermissions(t *testing.T) {
	f := newAuthFixture(t)
	f.perms.err = auth.ErrNoPermissions

	_, err := f.handler.Session(context.Background(), newRC(f.handle), httptest.NewRequest(http.MethodGet, "/", nil), nil)
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized))
}

func TestSessionsList(t *testing.T) {
	f := newAuthFixture(t)
	sessions := &fakeSessions{}
	h := NewSessionsHandler(sessions)

	req := httptest.NewRequest(http.MethodGet, "/api/audit/sessions?active=false&limit=10&offset=20", nil)
	resp, err := h.List(context.Background(), newRC(f.handle), req, nil)
	require.NoError(t, err)

	assert.Equal(t, "tenant_a", sessions.listSchema)
	assert.Equal(t, session.ListQuery{ActiveOnly: false, Limit: 10, Offset: 20}, sessions.listQuery)
	out, _ := json.Marshal(resp.Body)
	assert.JSONEq(t, `{"success":true,"sessions":[]}`, string(out))
}

func TestSessionsListDefaultsAndValidation(t *testing.T) {
	f := newAuthFixture(t)
	sessions := &fakeSessions{}
	h := NewSessionsHandler(sessions)

	_, err := h.List(context.Background(), newRC(f.handle), httptest.NewRequest(http.MethodGet, "/", nil), nil)
	require.NoError(t, err)
	assert.Equal(t, session.ListQuery{ActiveOnly: true, Limit: 50}, sessions.listQuery)

	for _, qs := range []string{"?limit=abc", "?offset=-1", "?active=maybe"} {
		_, err := h.List(context.Background(), newRC(f.handle), httptest.NewRequest(http.MethodGet, "/"+qs, nil), nil)
		assert.True(t, apperr.Is(err, apperr.KindValidation), qs)
	}
}

func TestSessionsTerminate(t *testing.T) {
	f := newAuthFixture(t)
	target := &models.Session{ID: "0d7b1f66-1111-4c2e-8e0b-2b9a4e4f0c01", SchemaID: "tenant_a", IsActive: true}
	foreign := &models.Session{ID: "0d7b1f66-2222-4c2e-8e0b-2b9a4e4f0c01", SchemaID: "tenant_b", IsActive: true}
	sessions := &fakeSessions{byID: map[string]*models.Session{target.ID: target, foreign.ID: foreign}}
	h := NewSessionsHandler(sessions)
	req := httptest.NewRequest(http.MethodDelete, "/", nil)

	resp, err := h.Terminate(context.Background(), newRC(f.handle), req, reqctx.Params{"id": target.ID})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, []string{"tenant_a/" + target.ID}, sessions.terminated)

	_, err = h.Terminate(context.Background(), newRC(f.handle), req, reqctx.Params{"id": foreign.ID})
	assert.True(t, apperr.Is(err, apperr.KindNotFound), "other tenants' sessions are invisible")

	_, err = h.Terminate(context.Background(), newRC(f.handle), req, reqctx.Params{"id": "missing"})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	assert.Len(t, sessions.terminated, 1)
}

type fakeAuditReader struct {
	q   audit.Query
	db  database.DBTX
	err error
}

func (f *fakeAuditReader) Query(_ context.Context, db database.DBTX, q audit.Query) ([]models.AuditLog, error) {
	f.q, f.db = q, db
	return []models.AuditLog{}, f.err
}

func TestAuditLogsFilters(t *testing.T) {
	f := newAuthFixture(t)
	reader := &fakeAuditReader{}
	h := NewAuditHandler(reader)

	req := httptest.NewRequest(http.MethodGet,
		"/api/audit/logs?user_id=7&entity_type=SESSION&action=DELETE&start_date=2024-01-01&end_date=2024-02-01T00:00:00Z&limit=5", nil)
	resp, err := h.Logs(context.Background(), newRC(f.handle), req, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)

	require.NotNil(t, reader.q.UserID)
	assert.Equal(t, int64(7), *reader.q.UserID)
	assert.Equal(t, "SESSION", reader.q.EntityType)
	assert.Equal(t, "DELETE", reader.q.Action)
	require.NotNil(t, reader.q.StartDate)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), *reader.q.StartDate)
	require.NotNil(t, reader.q.EndDate)
	assert.Equal(t, 5, reader.q.Limit)
	assert.Same(t, f.handle, reader.db, "queries run against the caller's tenant handle")
}

func TestAuditLogsRejectsBadFilters(t *testing.T) {
	f := newAuthFixture(t)
	h := NewAuditHandler(&fakeAuditReader{})

	for _, qs := range []string{"?user_id=x", "?start_date=yesterday", "?end_date=2024-13-01", "?limit=-4"} {
		_, err := h.Logs(context.Background(), newRC(f.handle), httptest.NewRequest(http.MethodGet, "/"+qs, nil), nil)
		assert.True(t, apperr.Is(err, apperr.KindValidation), qs)
	}
}

func TestAuditLogsStoreFailure(t *testing.T) {
	f := newAuthFixture(t)
	h := NewAuditHandler(&fakeAuditReader{err: errors.New("boom")})

	_, err := h.Logs(context.Background(), newRC(f.handle), httptest.NewRequest(http.MethodGet, "/", nil), nil)
	assert.Equal(t, apperr.KindInfrastructure, apperr.KindOf(err))
}

type pingFunc func(context.Context) error

func (p pingFunc) Ping(ctx context.Context) error { return p(ctx) }

func TestReadyz(t *testing.T) {
	ok := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("dial tcp 10.0.0.5:6379: refused") })

	rec := httptest.NewRecorder()
	NewHealthHandler(ok, ok).Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	NewHealthHandler(ok, down).Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"unhealthy","checks":{"database":"ok","redis":"unhealthy"}}`, rec.Body.String())
}

func TestHealthz(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHealthHandler(nil, nil).Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
