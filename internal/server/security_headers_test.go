/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestSecurityHeadersMiddleware_BaselineHeaders(t *testing.T) {
	h := securityHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/now", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("X-Content-Type-Options=%q, want nosniff", got)
	}
	if got := rr.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("X-Frame-Options=%q, want DENY", got)
	}
	if got := rr.Header().Get("Referrer-Policy"); got != "strict-origin-when-cross-origin" {
		t.Fatalf("Referrer-Policy=%q, want strict-origin-when-cross-origin", got)
	}
	if got := rr.Header().Get("Content-Security-Policy"); got == "" {
		t.Fatalf("expected Content-Security-Policy header")
	}
	if got := rr.Header().Get("Strict-Transport-Security"); got != "" {
		t.Fatalf("expected no HSTS on non-HTTPS request, got %q", got)
	}
}

func TestSecurityHeadersMiddleware_SetsHSTSOnHTTPS(t *testing.T) {
	h := securityHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if got := rr.Header().Get("Strict-Transport-Security"); got != "max-age=31536000; includeSubDomains" {
		t.Fatalf("Strict-Transport-Security=%q, want max-age=31536000; includeSubDomains", got)
	}
}

func TestSecurityHeadersMiddleware_AllowsMediaFrames(t *testing.T) {
	h := securityHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []string{
		"/media/m1",
		"/media/clip-with-dashes",
	}

	for _, path := range tests {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)

		if got := rr.Header().Get("X-Frame-Options"); got != "SAMEORIGIN" {
			t.Fatalf("%s X-Frame-Options=%q, want SAMEORIGIN", path, got)
		}
		if got := rr.Header().Get("Content-Security-Policy"); got == "" || !strings.Contains(got, "frame-ancestors 'self'") {
			t.Fatalf("%s Content-Security-Policy=%q, want frame-ancestors 'self'", path, got)
		}
	}
}

func TestIsEmbeddablePath(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/media/m1", true},
		{"/media/campaign%2Fspring", true},
		{"/mediafiles/m1", false},
		{"/api/v1/stream", false},
		{"/api/v1/now", false},
		{"/", false},
	}
	for _, tt := range tests {
		if got := isEmbeddablePath(tt.path); got != tt.want {
			t.Errorf("isEmbeddablePath(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestRouterAppliesSecurityHeaders(t *testing.T) {
	srv, err := New(Options{Engine: newFakeEngine(), Media: fakeFiles{}}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	tests := []struct {
		name      string
		path      string
		forwarded string
		wantFrame string
		wantHSTS  bool
	}{
		{"stream without upgrade", "/api/v1/stream", "", "DENY", false},
		{"snapshot behind tls proxy", "/api/v1/now", "https", "DENY", true},
		{"uncached media", "/media/missing", "", "SAMEORIGIN", false},
		{"health behind plain proxy", "/healthz", "http", "DENY", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-Proto", tt.forwarded)
			}
			rr := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rr, req)

			if got := rr.Header().Get("X-Frame-Options"); got != tt.wantFrame {
				t.Fatalf("X-Frame-Options=%q, want %q", got, tt.wantFrame)
			}
			if got := rr.Header().Get("Strict-Transport-Security"); (got != "") != tt.wantHSTS {
				t.Fatalf("Strict-Transport-Security=%q, want present=%v", got, tt.wantHSTS)
			}
		})
	}
}
