// ABOUTME: Tests for the HTTP authenticator and middleware
// ABOUTME: Covers bearer tokens, API keys, anonymous access and the admin gate

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func testAPIKeys(t *testing.T) *APIKeyVerifier {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("sekrit-key"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hashing key: %v", err)
	}
	v, err := NewAPIKeyVerifier([]APIKey{{Name: "ci", Hash: string(hash)}})
	if err != nil {
		t.Fatalf("NewAPIKeyVerifier() error = %v", err)
	}
	return v
}

// identityHandler echoes the authenticated identity.
var identityHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte(FromContext(r.Context()).Identity()))
})

func TestAuthenticatorMiddleware(t *testing.T) {
	jwtVerifier := NewJWTVerifier(testSecret)
	token, err := jwtVerifier.Generate("ada", time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	tests := []struct {
		name     string
		required bool
		headers  map[string]string
		wantCode int
		wantBody string
	}{
		{"bearer token", true, map[string]string{"Authorization": "Bearer " + token}, http.StatusOK, "ada"},
		{"api key", true, map[string]string{HeaderAPIKey: "sekrit-key"}, http.StatusOK, "key:ci"},
		{"bad api key", false, map[string]string{HeaderAPIKey: "wrong"}, http.StatusUnauthorized, ""},
		{"bad bearer", false, map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized, ""},
		{"basic scheme", false, map[string]string{"Authorization": "Basic abc"}, http.StatusUnauthorized, ""},
		{"anonymous allowed", false, nil, http.StatusOK, "anonymous"},
		{"anonymous rejected", true, nil, http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &Authenticator{JWT: jwtVerifier, APIKeys: testAPIKeys(t), Required: tt.required}
			req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			a.Middleware(identityHandler).ServeHTTP(rec, req)

			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if tt.wantBody != "" && rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
			if rec.Code == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") == "" {
				t.Error("401 without WWW-Authenticate header")
			}
		})
	}
}

func TestRequireAdminHTTP(t *testing.T) {
	jwtVerifier := NewJWTVerifier(testSecret)
	admin, _ := jwtVerifier.Generate("root", time.Hour, "admin")
	member, _ := jwtVerifier.Generate("ada", time.Hour)

	a := &Authenticator{JWT: jwtVerifier}
	handler := a.Middleware(RequireAdminHTTP()(identityHandler))

	tests := []struct {
		name     string
		auth     string
		wantCode int
	}{
		{"admin", "Bearer " + admin, http.StatusOK},
		{"member", "Bearer " + member, http.StatusForbidden},
		{"anonymous", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/servers/x/connect", nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
		})
	}
}

func TestNewAPIKeyVerifierRejectsBadHashes(t *testing.T) {
	if _, err := NewAPIKeyVerifier([]APIKey{{Name: "broken", Hash: "plaintext"}}); err == nil {
		t.Error("expected error for non-bcrypt hash")
	}
	if _, err := NewAPIKeyVerifier([]APIKey{{Hash: "x"}}); err == nil {
		t.Error("expected error for unnamed key")
	}
}

func TestHashAPIKeyRoundTrip(t *testing.T) {
	hash, err := HashAPIKey("another-key")
	if err != nil {
		t.Fatalf("HashAPIKey() error = %v", err)
	}
	v, err := NewAPIKeyVerifier([]APIKey{{Name: "ops", Hash: hash}})
	if err != nil {
		t.Fatalf("NewAPIKeyVerifier() error = %v", err)
	}
	name, err := v.Verify("another-key")
	if err != nil || name != "ops" {
		t.Errorf("Verify() = %q, %v; want ops, nil", name, err)
	}
	if v.Len() != 1 {
		t.Errorf("Len() = %d, want 1", v.Len())
	}
}
