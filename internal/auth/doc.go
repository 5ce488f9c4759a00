// Package auth verifies callers of the inbox-gateway HTTP API and realtime
// websocket.
//
// Callers present an HS256 JWT signed with the configured auth.jwt_secret,
// either as "Authorization: Bearer <token>" or as a token query parameter on
// websocket upgrades. The "sub" claim names the account. Agent tokens add
// "agent": true and "owner_uid", and are limited to conversations assigned to
// the agent by the owner account.
//
//	verifier := auth.NewJWTVerifier(secret)
//	mux.Handle("/api/", auth.HTTPAuthMiddleware(verifier, logger)(api))
//
// Handlers read the caller with FromContext.
package auth
