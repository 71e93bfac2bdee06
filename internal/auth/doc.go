// Package auth verifies end-user credentials for tutor-gateway.
//
// # Credentials
//
// Users sign in with the external identity provider, which issues HS256 JWTs
// signed with a shared secret. The gateway accepts a token only when:
//
//   - the header alg is exactly HS256
//   - the signature verifies against auth.jwt_secret
//   - the aud claim contains auth.audience ("authenticated" by default)
//   - exp and nbf, when present, hold at the current time
//   - the sub claim is a non-empty string
//
// The sub claim becomes the user identity used for ownership checks.
//
// # Errors
//
// Verify reports ErrMalformedToken, ErrInvalidSignature or ErrMissingSubject.
// All of them wrap ErrUnauthenticated. Clients only ever see a generic
// "not authenticated" response.
//
// # HTTP
//
//	mw := HTTPAuthMiddleware(verifier, logger)
//	mux.Handle("/api/v1/users/me", mw(handler))
//
// Handlers read the identity with UserFromContext.
package auth
