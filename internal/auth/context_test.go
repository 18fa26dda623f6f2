// ABOUTME: Unit tests for authentication context functions
// ABOUTME: Tests IsAdmin, Identity and context propagation helpers

package auth

import (
	"context"
	"testing"
)

func TestAuthContext_IsAdmin(t *testing.T) {
	tests := []struct {
		name  string
		roles []string
		want  bool
	}{
		{name: "admin role", roles: []string{"admin"}, want: true},
		{name: "owner with other roles", roles: []string{"member", "owner"}, want: true},
		{name: "no roles", roles: nil, want: false},
		{name: "member only", roles: []string{"member"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &AuthContext{User: "ada", Method: MethodJWT, Roles: tt.roles}
			if got := a.IsAdmin(); got != tt.want {
				t.Errorf("IsAdmin() = %v, want %v", got, tt.want)
			}
		})
	}

	var nilCtx *AuthContext
	if nilCtx.IsAdmin() {
		t.Error("nil AuthContext must not be admin")
	}
}

func TestAuthContext_Identity(t *testing.T) {
	tests := []struct {
		name string
		auth *AuthContext
		want string
	}{
		{name: "nil", auth: nil, want: "anonymous"},
		{name: "user", auth: &AuthContext{User: "ada", Method: MethodJWT}, want: "ada"},
		{name: "api key", auth: &AuthContext{APIKey: "ci", Method: MethodAPIKey}, want: "key:ci"},
		{name: "anonymous", auth: &AuthContext{Method: MethodAnonymous}, want: "anonymous"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.auth.Identity(); got != tt.want {
				t.Errorf("Identity() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAuthContext_IsAuthenticated(t *testing.T) {
	if (&AuthContext{Method: MethodAnonymous}).IsAuthenticated() {
		t.Error("anonymous caller reported as authenticated")
	}
	if !(&AuthContext{APIKey: "ci", Method: MethodAPIKey}).IsAuthenticated() {
		t.Error("api key caller reported as unauthenticated")
	}
}

func TestWithAuthAndFromContext(t *testing.T) {
	ctx := context.Background()
	if got := FromContext(ctx); got != nil {
		t.Errorf("FromContext() on empty context = %v, want nil", got)
	}

	want := &AuthContext{User: "ada", Method: MethodJWT}
	ctx = WithAuth(ctx, want)
	if got := FromContext(ctx); got != want {
		t.Errorf("FromContext() = %v, want %v", got, want)
	}
}
