// turnstile_test.go -- unit tests for TurnstileVerifier.Verify.
package captcha

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func turnstileServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parsing form: %v", err)
		}
		if r.PostForm.Get("secret") != "test-secret" {
			t.Errorf("secret = %q", r.PostForm.Get("secret"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTurnstileVerifier_Verify(t *testing.T) {
	t.Run("success response returns nil", func(t *testing.T) {
		srv := turnstileServer(t, http.StatusOK, `{"success":true}`)
		v := NewTurnstileVerifier("test-secret").WithEndpoint(srv.URL)
		if err := v.Verify(context.Background(), "token", "127.0.0.1"); err != nil {
			t.Errorf("expected nil, got %v", err)
		}
	})

	t.Run("rejected token returns ErrRejected containing error code", func(t *testing.T) {
		srv := turnstileServer(t, http.StatusOK, `{"success":false,"error-codes":["invalid-input-response"]}`)
		v := NewTurnstileVerifier("test-secret").WithEndpoint(srv.URL)
		err := v.Verify(context.Background(), "bad-token", "127.0.0.1")
		if !errors.Is(err, ErrRejected) {
			t.Fatalf("expected ErrRejected, got %v", err)
		}
		if !strings.Contains(err.Error(), "invalid-input-response") {
			t.Errorf("expected error to mention error code, got %q", err.Error())
		}
	})

	t.Run("empty token is rejected without a request", func(t *testing.T) {
		called := false
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
		defer srv.Close()

		v := NewTurnstileVerifier("test-secret").WithEndpoint(srv.URL)
		if err := v.Verify(context.Background(), "  ", ""); !errors.Is(err, ErrRejected) {
			t.Errorf("expected ErrRejected, got %v", err)
		}
		if called {
			t.Error("siteverify was called for an empty token")
		}
	})

	t.Run("non-200 status returns error", func(t *testing.T) {
		srv := turnstileServer(t, http.StatusInternalServerError, `{}`)
		v := NewTurnstileVerifier("test-secret").WithEndpoint(srv.URL)
		if err := v.Verify(context.Background(), "token", ""); err == nil {
			t.Error("expected error for 500, got nil")
		}
	})

	t.Run("network error returns error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close() // closed before request is sent

		v := NewTurnstileVerifier("test-secret").WithEndpoint(srv.URL)
		if err := v.Verify(context.Background(), "token", "127.0.0.1"); err == nil {
			t.Error("expected non-nil error for closed server, got nil")
		}
	})

	t.Run("malformed JSON returns error", func(t *testing.T) {
		srv := turnstileServer(t, http.StatusOK, "not json")
		v := NewTurnstileVerifier("test-secret").WithEndpoint(srv.URL)
		if err := v.Verify(context.Background(), "token", "127.0.0.1"); err == nil {
			t.Error("expected non-nil error for malformed JSON, got nil")
		}
	})

	t.Run("cancelled context returns error", func(t *testing.T) {
		srv := turnstileServer(t, http.StatusOK, `{"success":true}`)

		ctx, cancel := context.WithCancel(context.Background())
		cancel() // cancel before calling

		v := NewTurnstileVerifier("test-secret").WithEndpoint(srv.URL)
		if err := v.Verify(ctx, "token", "127.0.0.1"); err == nil {
			t.Error("expected non-nil error for cancelled context, got nil")
		}
	})

	t.Run("hostname mismatch is rejected", func(t *testing.T) {
		srv := turnstileServer(t, http.StatusOK, `{"success":true,"hostname":"evil.example.test"}`)
		v := NewTurnstileVerifier("test-secret").WithEndpoint(srv.URL).WithHostname("fans.example.test")
		if err := v.Verify(context.Background(), "token", ""); !errors.Is(err, ErrRejected) {
			t.Errorf("expected ErrRejected, got %v", err)
		}
	})

	t.Run("hostname match ignores case", func(t *testing.T) {
		srv := turnstileServer(t, http.StatusOK, `{"success":true,"hostname":"Fans.Example.Test"}`)
		v := NewTurnstileVerifier("test-secret").WithEndpoint(srv.URL).WithHostname("fans.example.test")
		if err := v.Verify(context.Background(), "token", ""); err != nil {
			t.Errorf("expected nil, got %v", err)
		}
	})
}
