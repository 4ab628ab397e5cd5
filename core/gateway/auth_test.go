package gateway

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
})

func TestAuthMiddleware(t *testing.T) {
	handler := authMiddleware("secret", okHandler)

	cases := []struct {
		name   string
		path   string
		header http.Header
		want   int
	}{
		{name: "missing token", path: "/api/v1/status", want: http.StatusUnauthorized},
		{name: "bearer token", path: "/api/v1/status", header: http.Header{"Authorization": {"Bearer secret"}}, want: http.StatusOK},
		{name: "api key header", path: "/api/v1/status", header: http.Header{"X-Api-Key": {"secret"}}, want: http.StatusOK},
		{name: "wrong token", path: "/api/v1/status", header: http.Header{"Authorization": {"Bearer nope"}}, want: http.StatusUnauthorized},
		{name: "health bypass", path: "/health", want: http.StatusOK},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, tc.path, nil)
		for key, vals := range tc.header {
			for _, v := range vals {
				req.Header.Add(key, v)
			}
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Fatalf("%s: got %d, want %d", tc.name, rec.Code, tc.want)
		}
	}
}

func TestAuthMiddlewareDisabledWithoutToken(t *testing.T) {
	handler := authMiddleware("", okHandler)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected open access, got %d", rec.Code)
	}
}

func TestNormalizeToken(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"secret", "secret"},
		{" secret ", "secret"},
		{`"secret"`, "secret"},
		{"'secret'", "secret"},
		{`" secret "`, "secret"},
		{"", ""},
		{`""`, ""},
	}
	for _, tc := range cases {
		if got := normalizeToken(tc.in); got != tc.want {
			t.Fatalf("normalizeToken(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestTokenFromWebSocketSubprotocol(t *testing.T) {
	encoded := base64.RawURLEncoding.EncodeToString([]byte("secret"))

	paired := httptest.NewRequest(http.MethodGet, "/api/v1/events/ws", nil)
	paired.Header.Set("Connection", "Upgrade")
	paired.Header.Set("Upgrade", "websocket")
	paired.Header.Set("Sec-Websocket-Protocol", wsTokenProtocol+", "+encoded)
	if got := tokenFromRequest(paired); got != "secret" {
		t.Fatalf("paired form: got %q", got)
	}

	dotted := httptest.NewRequest(http.MethodGet, "/api/v1/events/ws", nil)
	dotted.Header.Set("Connection", "Upgrade")
	dotted.Header.Set("Upgrade", "websocket")
	dotted.Header.Set("Sec-Websocket-Protocol", wsTokenProtocol+"."+encoded)
	if got := tokenFromRequest(dotted); got != "secret" {
		t.Fatalf("dotted form: got %q", got)
	}

	plain := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	if got := tokenFromRequest(plain); got != "" {
		t.Fatalf("plain request: got %q", got)
	}
}

func TestTokenBucket(t *testing.T) {
	tb := newTokenBucket(1, 2)
	if !tb.Allow() || !tb.Allow() {
		t.Fatalf("expected burst of 2")
	}
	if tb.Allow() {
		t.Fatalf("expected empty bucket to refuse")
	}

	var nilBucket *tokenBucket
	if !nilBucket.Allow() {
		t.Fatalf("nil bucket should allow everything")
	}
	if newTokenBucket(0, 10) != nil {
		t.Fatalf("zero rps should disable the bucket")
	}
}

func TestIsAllowedOrigin(t *testing.T) {
	t.Setenv("COFFER_ALLOWED_ORIGINS", "")
	t.Setenv("CORS_ALLOW_ORIGINS", "")

	withOrigin := func(origin, host string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		if host != "" {
			req.Host = host
		}
		return req
	}

	if !isAllowedOrigin(withOrigin("", "")) {
		t.Fatalf("missing origin should be allowed")
	}
	if !isAllowedOrigin(withOrigin("http://localhost:3000", "")) {
		t.Fatalf("localhost should be allowed by default")
	}
	if !isAllowedOrigin(withOrigin("https://coffer.internal", "coffer.internal:8080")) {
		t.Fatalf("same-host origin should be allowed")
	}
	if isAllowedOrigin(withOrigin("https://evil.example", "coffer.internal:8080")) {
		t.Fatalf("foreign origin should be refused")
	}

	t.Setenv("COFFER_ALLOWED_ORIGINS", "https://ui.coffer.internal")
	if !isAllowedOrigin(withOrigin("https://ui.coffer.internal", "")) {
		t.Fatalf("listed origin should be allowed")
	}
	if isAllowedOrigin(withOrigin("http://localhost:3000", "")) {
		t.Fatalf("unlisted origin should be refused when a list is set")
	}

	t.Setenv("COFFER_ALLOWED_ORIGINS", "*")
	if !isAllowedOrigin(withOrigin("https://evil.example", "")) {
		t.Fatalf("wildcard should allow everything")
	}
}

func TestCORSMiddleware(t *testing.T) {
	t.Setenv("COFFER_ALLOWED_ORIGINS", "")
	t.Setenv("CORS_ALLOW_ORIGINS", "")
	handler := corsMiddleware(okHandler)

	preflight := httptest.NewRequest(http.MethodOptions, "/api/v1/backups", nil)
	preflight.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, preflight)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight: got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Fatalf("missing allow-origin header")
	}

	refused := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	refused.Header.Set("Origin", "https://evil.example")
	refusedRec := httptest.NewRecorder()
	handler.ServeHTTP(refusedRec, refused)
	if refusedRec.Code != http.StatusForbidden {
		t.Fatalf("foreign origin: got %d", refusedRec.Code)
	}

	plain := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	plainRec := httptest.NewRecorder()
	handler.ServeHTTP(plainRec, plain)
	if plainRec.Code != http.StatusOK {
		t.Fatalf("plain request: got %d", plainRec.Code)
	}
}
