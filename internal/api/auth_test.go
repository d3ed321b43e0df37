package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestAuthenticator_IssueVerify(t *testing.T) {
	t.Parallel()
	a := NewAuthenticator(testSecret, "lumi", "lumi-app")

	token, err := a.Issue("user-1", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	got, err := a.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got != "user-1" {
		t.Errorf("user id = %q, want user-1", got)
	}
}

func TestAuthenticator_Rejects(t *testing.T) {
	t.Parallel()
	base := NewAuthenticator(testSecret, "lumi", "lumi-app")
	valid, err := base.Issue("user-1", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	expired := NewAuthenticator(testSecret, "lumi", "lumi-app")
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	stale, err := expired.Issue("user-1", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	tests := []struct {
		name  string
		auth  *Authenticator
		token string
	}{
		{"wrong secret", NewAuthenticator(strings.Repeat("x", 32), "lumi", "lumi-app"), valid},
		{"wrong issuer", NewAuthenticator(testSecret, "someone-else", "lumi-app"), valid},
		{"wrong audience", NewAuthenticator(testSecret, "lumi", "other-app"), valid},
		{"expired", base, stale},
		{"garbage", base, "not-a-token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.auth.Verify(tt.token); !errors.Is(err, ErrUnauthenticated) {
				t.Errorf("Verify: got %v, want ErrUnauthenticated", err)
			}
		})
	}
}

func TestAuthenticator_IssueEmptyUser(t *testing.T) {
	t.Parallel()
	if _, err := NewAuthenticator(testSecret, "", "").Issue("", time.Hour); err == nil {
		t.Error("expected error for empty user id")
	}
}

func TestAuthenticator_Middleware(t *testing.T) {
	t.Parallel()
	a := NewAuthenticator(testSecret, "", "")
	token, err := a.Issue("user-7", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	var seen string
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name       string
		header     string
		query      string
		wantStatus int
		wantUser   string
	}{
		{"bearer header", "Bearer " + token, "", http.StatusNoContent, "user-7"},
		{"lowercase scheme", "bearer " + token, "", http.StatusNoContent, "user-7"},
		{"query parameter", "", "?access_token=" + token, http.StatusNoContent, "user-7"},
		{"missing", "", "", http.StatusUnauthorized, ""},
		{"basic scheme", "Basic dXNlcjpwYXNz", "", http.StatusUnauthorized, ""},
		{"invalid token", "Bearer nope", "", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, "/v1/persona"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if seen != tt.wantUser {
				t.Errorf("user id = %q, want %q", seen, tt.wantUser)
			}
		})
	}
}
