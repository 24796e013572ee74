package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequireToken(t *testing.T) {
	h := RequireToken("s3cret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		method string
		target string
		header string
		want   int
	}{
		{name: "missing", method: http.MethodGet, target: "/", want: http.StatusUnauthorized},
		{name: "wrong scheme", method: http.MethodGet, target: "/", header: "Basic s3cret", want: http.StatusUnauthorized},
		{name: "wrong token", method: http.MethodGet, target: "/", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "bearer", method: http.MethodGet, target: "/", header: "bearer s3cret", want: http.StatusOK},
		{name: "query", method: http.MethodGet, target: "/?access_token=s3cret", want: http.StatusOK},
		{name: "preflight", method: http.MethodOptions, target: "/", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("got %d want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestRequireTokenDisabled(t *testing.T) {
	h := RequireToken(" ")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("expected pass-through, got %d", rec.Code)
	}
}

func TestRequestIDFromContext(t *testing.T) {
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Fatalf("expected empty id outside middleware, got %q", got)
	}
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "abc-123" {
		t.Fatalf("expected propagated id, got %q", seen)
	}
}
