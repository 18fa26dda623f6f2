// ABOUTME: Authentication context carrying the caller identity into tool executors
// ABOUTME: Provides WithAuth/FromContext for propagating auth info via context

package auth

import (
	"context"
)

// Authentication methods recorded on an AuthContext.
const (
	MethodJWT       = "jwt"
	MethodAPIKey    = "api_key"
	MethodAnonymous = "anonymous"
)

// AuthContext holds the authenticated identity extracted from a request.
// It is populated by the HTTP middleware and read by procedures.
type AuthContext struct {
	User   string   // JWT subject, empty for API keys and anonymous callers
	APIKey string   // name of the matched API key, never the key itself
	Method string   // MethodJWT | MethodAPIKey | MethodAnonymous
	Roles  []string // roles claimed by the token
}

// IsAuthenticated reports whether a credential was presented and accepted.
func (a *AuthContext) IsAuthenticated() bool {
	return a != nil && a.Method != "" && a.Method != MethodAnonymous
}

// IsAdmin returns true if the caller has the admin or owner role.
func (a *AuthContext) IsAdmin() bool {
	if a == nil {
		return false
	}
	for _, r := range a.Roles {
		if r == "admin" || r == "owner" {
			return true
		}
	}
	return false
}

// Identity names the caller for logs and audit rows.
func (a *AuthContext) Identity() string {
	switch {
	case a == nil:
		return "anonymous"
	case a.User != "":
		return a.User
	case a.APIKey != "":
		return "key:" + a.APIKey
	default:
		return "anonymous"
	}
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}
