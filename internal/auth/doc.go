// Package auth issues and verifies agent access tokens.
//
// # Tokens
//
// Tokens are HS256 JWTs signed with the configured auth.jwt_secret. The
// "sub" claim is the agent ID and the "org" claim its organization:
//
//	verifier := auth.NewJWTVerifier(secret)
//	token, _ := verifier.Generate(agentID, orgID, 24*time.Hour)
//
// Authorize checks a token presented on agent:connect against the agent and
// organization the client claims to be. When no secret is configured the
// gateway accepts agent:connect on the agent and organization IDs alone.
//
// Visitors are not authenticated. Their session token is a random bearer
// value generated by the widget.
package auth
