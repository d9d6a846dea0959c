// Package auth authenticates tenants on the HTTP API.
//
// # Tokens
//
// Tenants authenticate with HS256 JWTs signed with the configured jwt_secret
// (at least 32 bytes). The subject is the tenant id and the issuer must be
// "tether-gateway". Tokens are minted by the CLI:
//
//	tether-gateway token --tenant <id> --expires 720h
//
// # Middleware
//
// HTTPAuthMiddleware reads the token from "Authorization: Bearer <token>", or
// from the token query parameter when no header is present (browser WebSocket
// clients cannot set headers), verifies it, loads the tenant and attaches it
// to the request context:
//
//	tenant := auth.TenantFromContext(r.Context())
package auth
