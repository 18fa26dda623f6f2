// Package auth authenticates callers of the relay's HTTP surface.
//
// # Authentication Methods
//
//   - JWT Tokens: HS256 tokens signed with auth.jwt_secret, carrying the
//     caller in "sub" and optional "roles". Issue them with `mcp-relay token`.
//
//   - API Keys: the X-API-Key header is compared against the bcrypt hashes
//     listed under auth.api_keys. The matching entry's name identifies the caller.
//
// When auth.required is false, requests without credentials are served as
// anonymous. Invalid credentials are rejected either way.
//
// # Context Propagation
//
// The middleware stores an AuthContext on the request context. Procedures read
// it with FromContext:
//
//	who := auth.FromContext(ctx).Identity()
package auth
