// ABOUTME: JWT credential verification for authenticating end-user requests
// ABOUTME: Accepts only HS256 tokens carrying the configured audience and a subject

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultAudience is the audience claim issued by the identity provider for signed-in users.
const DefaultAudience = "authenticated"

// MinSecretLength is the minimum accepted length of the shared signing secret.
const MinSecretLength = 32

// Credential errors. Every failure wraps ErrUnauthenticated so callers can
// treat them uniformly while logs keep the precise reason.
var (
	ErrUnauthenticated  = errors.New("not authenticated")
	ErrMalformedToken   = fmt.Errorf("%w: malformed token", ErrUnauthenticated)
	ErrInvalidSignature = fmt.Errorf("%w: invalid signature", ErrUnauthenticated)
	ErrMissingSubject   = fmt.Errorf("%w: missing subject", ErrUnauthenticated)

	ErrSecretTooShort = errors.New("jwt secret too short")
)

// TokenVerifier defines the interface for credential verification.
type TokenVerifier interface {
	Verify(tokenString string) (userID string, err error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs.
type JWTVerifier struct {
	secret     []byte
	audience   string
	now        func() time.Time
	allowShort bool
}

// VerifierOption customises a JWTVerifier.
type VerifierOption func(*JWTVerifier)

// WithAudience overrides the required audience claim.
func WithAudience(aud string) VerifierOption {
	return func(v *JWTVerifier) {
		if aud != "" {
			v.audience = aud
		}
	}
}

// WithClock sets the time source used for exp/nbf checks.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *JWTVerifier) { v.now = now }
}

// AllowShortSecret disables the minimum secret length check. Development only.
func AllowShortSecret() VerifierOption {
	return func(v *JWTVerifier) { v.allowShort = true }
}

// NewJWTVerifier creates a verifier for the given shared secret.
func NewJWTVerifier(secret []byte, opts ...VerifierOption) (*JWTVerifier, error) {
	v := &JWTVerifier{
		secret:   secret,
		audience: DefaultAudience,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	if len(secret) == 0 || (len(secret) < MinSecretLength && !v.allowShort) {
		return nil, fmt.Errorf("%w: got %d bytes, need at least %d", ErrSecretTooShort, len(secret), MinSecretLength)
	}
	return v, nil
}

// Audience returns the audience this verifier requires.
func (v *JWTVerifier) Audience() string {
	return v.audience
}

// Verify validates the token and returns the user identity from the "sub" claim.
func (v *JWTVerifier) Verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(v.audience),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrTokenUnverifiable) {
			return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return "", fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	if !token.Valid {
		return "", ErrMalformedToken
	}

	sub, err := token.Claims.GetSubject()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if sub == "" {
		return "", ErrMissingSubject
	}

	return sub, nil
}

// Generate creates a signed token for the given user with the verifier's audience.
func (v *JWTVerifier) Generate(userID string, expiresIn time.Duration) (string, error) {
	now := v.now()
	claims := jwt.MapClaims{
		"sub": userID,
		"aud": v.audience,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
