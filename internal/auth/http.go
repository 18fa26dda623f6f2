// ABOUTME: HTTP authentication for the gateway: bearer JWTs and X-API-Key headers
// ABOUTME: Authenticator resolves a request to an AuthContext; Middleware attaches it to the request context

package auth

import (
	"errors"
	"net/http"
	"strings"
)

// ErrNoCredentials indicates the request carried neither a bearer token nor an API key.
var ErrNoCredentials = errors.New("missing credentials")

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// Authenticator resolves request credentials. Either verifier may be nil.
// When Required is false, requests without credentials proceed as anonymous;
// invalid credentials are always rejected.
type Authenticator struct {
	JWT      *JWTVerifier
	APIKeys  *APIKeyVerifier
	Required bool
}

// Authenticate inspects the Authorization and X-API-Key headers.
func (a *Authenticator) Authenticate(r *http.Request) (*AuthContext, error) {
	if r.Header.Get("Authorization") != "" && a.JWT != nil {
		token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
		if errMsg != "" {
			return nil, errors.New(errMsg)
		}
		return a.JWT.Verify(token)
	}

	if key := r.Header.Get(HeaderAPIKey); key != "" && a.APIKeys != nil {
		name, err := a.APIKeys.Verify(key)
		if err != nil {
			return nil, err
		}
		return &AuthContext{APIKey: name, Method: MethodAPIKey}, nil
	}

	if a.Required {
		return nil, ErrNoCredentials
	}
	return &AuthContext{Method: MethodAnonymous}, nil
}

// Middleware rejects unauthenticated requests with 401 and attaches the
// AuthContext to accepted ones.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCtx, err := a.Authenticate(r)
		if err != nil {
			if a.JWT != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="mcp-relay"`)
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
	})
}

// RequireAdminHTTP creates an HTTP middleware that requires admin or owner role.
// Must be used after Middleware.
func RequireAdminHTTP() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := FromContext(r.Context())
			if !authCtx.IsAuthenticated() {
				http.Error(w, `{"error":"not authenticated"}`, http.StatusUnauthorized)
				return
			}
			if !authCtx.IsAdmin() {
				http.Error(w, `{"error":"admin role required"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
