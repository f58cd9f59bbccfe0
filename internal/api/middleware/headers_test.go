package middleware

import (
	"bufio"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/good-yellow-bee/cowork/internal/logging"
)

func TestRecoverer_LogsPanicWithStackTrace(t *testing.T) {
	logger := logging.NewTestLogger()
	handler := Recoverer(logger.Logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic message")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/test-endpoint", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", rec.Code)
	}
	logger.AssertLogged(t, zapcore.ErrorLevel, "panic recovered")

	entries := logger.All()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["panic"] != "test panic message" {
		t.Errorf("panic field = %v", fields["panic"])
	}
	if fields["path"] != "/test-endpoint" {
		t.Errorf("path field = %v", fields["path"])
	}
	if _, ok := fields["stack"]; !ok {
		t.Error("stack field missing")
	}
}

func TestRecoverer_NoPanic(t *testing.T) {
	handler := Recoverer(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/normal", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
	if rec.Body.String() != "OK" {
		t.Errorf("Expected body 'OK', got '%s'", rec.Body.String())
	}
}

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	tests := []struct {
		header   string
		expected string
	}{
		{"X-Content-Type-Options", "nosniff"},
		{"X-Frame-Options", "DENY"},
		{"Referrer-Policy", "no-referrer"},
		{"Strict-Transport-Security", "max-age=31536000; includeSubDomains"},
	}
	for _, tt := range tests {
		if got := rec.Header().Get(tt.header); got != tt.expected {
			t.Errorf("Header %s = %q, want %q", tt.header, got, tt.expected)
		}
	}
}

func TestRequestLogger_LogsFailures(t *testing.T) {
	logger := logging.NewTestLogger()
	handler := RequestLogger(logger.Logger, false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetRequestID(r.Context()) == "" {
			t.Error("request id missing from context")
		}
		w.WriteHeader(http.StatusNotFound)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/missing", nil))

	if len(rec.Header().Get("X-Request-ID")) != 8 {
		t.Errorf("X-Request-ID = %q", rec.Header().Get("X-Request-ID"))
	}
	logger.AssertLogged(t, zapcore.WarnLevel, "request")
}

type hijackRecorder struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (h *hijackRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h.hijacked = true
	return nil, nil, nil
}

func TestStatusWriter_PassesThroughHijackAndFlush(t *testing.T) {
	inner := &hijackRecorder{ResponseRecorder: httptest.NewRecorder()}
	handler := RequestLogger(zap.NewNop(), false)(PrometheusMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := w.(http.Flusher); !ok {
			t.Error("writer is not a Flusher")
		}
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Fatal("writer is not a Hijacker")
		}
		hj.Hijack()
	})))

	handler.ServeHTTP(inner, httptest.NewRequest("GET", "/ws", nil))
	if !inner.hijacked {
		t.Error("hijack did not reach the underlying writer")
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(60, 2)
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("burst should be allowed")
	}
	if rl.Allow("a") {
		t.Error("third request should be limited")
	}
	if !rl.Allow("b") {
		t.Error("keys are independent")
	}

	now = now.Add(time.Second)
	if !rl.Allow("a") {
		t.Error("token should refill after one second")
	}

	now = now.Add(time.Hour)
	rl.Cleanup()
	if rl.size() != 0 {
		t.Errorf("size after cleanup = %d", rl.size())
	}
}

func TestRateLimitByUser_Rejects(t *testing.T) {
	rl := NewRateLimiter(60, 1)
	handler := RateLimitByUser(rl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, req)
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, req)

	if first.Code != http.StatusOK || second.Code != http.StatusTooManyRequests {
		t.Errorf("codes = %d, %d", first.Code, second.Code)
	}
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	if got := getClientIP(req); got != "203.0.113.5" {
		t.Errorf("getClientIP = %q", got)
	}
}

func TestIsLiveRoute(t *testing.T) {
	tests := map[string]bool{
		"/api/v1/projects/{id}/ws":       true,
		"/api/v1/projects/{id}/events":   true,
		"/api/v1/projects/{id}/messages": false,
		"unmatched":                      false,
	}
	for pattern, want := range tests {
		if got := isLiveRoute(pattern); got != want {
			t.Errorf("isLiveRoute(%q) = %v, want %v", pattern, got, want)
		}
	}
}
