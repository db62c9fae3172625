package middleware

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestRateLimiterPerIP(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	defer rl.Stop()
	h := rl.Limit(okHandler)

	do := func(addr string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, do("10.0.0.1:1"))
	assert.Equal(t, http.StatusOK, do("10.0.0.1:2"))
	assert.Equal(t, http.StatusTooManyRequests, do("10.0.0.1:3"))
	assert.Equal(t, http.StatusOK, do("10.0.0.2:1"), "other clients are unaffected")
}

func TestRateLimitedResponseIsEnvelope(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	defer rl.Stop()
	h := rl.Limit(okHandler)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"success":false,"error":"Too many requests, please try again later"}`, rec.Body.String())
}

func TestRealIP(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}

	for _, tc := range []struct {
		name    string
		trusted []netip.Prefix
		remote  string
		xff     []string
		xrealip string
		want    string
	}{
		{name: "no trusted proxies ignores headers", remote: "203.0.113.5:1000", xff: []string{"1.2.3.4"}, xrealip: "5.6.7.8", want: "203.0.113.5:1000"},
		{name: "untrusted peer ignores headers", trusted: trusted, remote: "203.0.113.5:1000", xff: []string{"1.2.3.4"}, want: "203.0.113.5:1000"},
		{name: "trusted peer uses forwarded client", trusted: trusted, remote: "10.1.2.3:1000", xff: []string{"198.51.100.9"}, want: "198.51.100.9"},
		{name: "rightmost untrusted hop wins", trusted: trusted, remote: "10.1.2.3:1000", xff: []string{"6.6.6.6, 198.51.100.9, 10.0.0.2"}, want: "198.51.100.9"},
		{name: "multiple header lines", trusted: trusted, remote: "10.1.2.3:1000", xff: []string{"6.6.6.6", "198.51.100.9"}, want: "198.51.100.9"},
		{name: "garbled hop keeps peer", trusted: trusted, remote: "10.1.2.3:1000", xff: []string{"not-an-ip"}, want: "10.1.2.3:1000"},
		{name: "x-real-ip from trusted peer", trusted: trusted, remote: "10.1.2.3:1000", xrealip: "198.51.100.10", want: "198.51.100.10"},
		{name: "ipv4 mapped peer", trusted: trusted, remote: "[::ffff:10.1.2.3]:1000", xff: []string{"198.51.100.9"}, want: "198.51.100.9"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var got string
			h := RealIP(tc.trusted)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				got = r.RemoteAddr
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			for _, v := range tc.xff {
				req.Header.Add("X-Forwarded-For", v)
			}
			if tc.xrealip != "" {
				req.Header.Set("X-Real-IP", tc.xrealip)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://app.example"})(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))

	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	pre := httptest.NewRequest(http.MethodOptions, "/", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, pre)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestMetricsUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Metrics)
	r.Get("/api/audit/sessions/{id}", okHandler)

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/api/audit/sessions/{id}", "200"))
	for _, id := range []string{"a", "b", "c"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/audit/sessions/"+id, nil))
	}
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/api/audit/sessions/{id}", "200"))
	assert.Equal(t, 3.0, after-before)
}
