// Package auth verifies bearer session tokens issued by the external
// identity provider. Tokens are Ed25519-signed JWTs; the gateway only
// verifies, it never issues.
package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/hailo-mobility/hailo/internal/platform/errors"
)

// Config defines how session tokens are verified.
type Config struct {
	Issuer    string `env:"HAILO_AUTH_ISSUER"`
	Audience  string `env:"HAILO_AUTH_AUDIENCE"`
	PublicKey string `env:"HAILO_AUTH_PUBLIC_KEY"`
}

// SessionClaims captures the validated identity of a client request.
type SessionClaims struct {
	UserID    string
	Issuer    string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

// sessionClaims is the internal claims type used for JWT parsing.
type sessionClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
}

// Verifier validates bearer tokens against a fixed issuer and key.
type Verifier struct {
	issuer   string
	audience string
	key      ed25519.PublicKey
	clock    func() time.Time
}

// NewVerifier builds a verifier from config. clock may be nil.
func NewVerifier(cfg Config, clock func() time.Time) (*Verifier, error) {
	issuer := strings.TrimSpace(cfg.Issuer)
	audience := strings.TrimSpace(cfg.Audience)
	publicKey := strings.TrimSpace(cfg.PublicKey)
	if issuer == "" {
		return nil, fmt.Errorf("HAILO_AUTH_ISSUER is required")
	}
	if audience == "" {
		return nil, fmt.Errorf("HAILO_AUTH_AUDIENCE is required")
	}
	if publicKey == "" {
		return nil, fmt.Errorf("HAILO_AUTH_PUBLIC_KEY is required")
	}
	keyBytes, err := decodeBase64(publicKey)
	if err != nil {
		return nil, fmt.Errorf("decode auth public key: %w", err)
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("auth public key must be %d bytes", ed25519.PublicKeySize)
	}
	if clock == nil {
		clock = time.Now
	}
	return &Verifier{
		issuer:   issuer,
		audience: audience,
		key:      ed25519.PublicKey(keyBytes),
		clock:    clock,
	}, nil
}

// VerifyBearer validates an Authorization header value and returns the
// session claims. Every failure maps to Unauthenticated.
func (v *Verifier) VerifyBearer(header string) (SessionClaims, error) {
	if v == nil {
		return SessionClaims{}, apperrors.New(apperrors.CodeUnauthenticated, "session verifier is not configured")
	}
	token, ok := strings.CutPrefix(strings.TrimSpace(header), "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return SessionClaims{}, apperrors.New(apperrors.CodeUnauthenticated, "bearer token is required")
	}
	return v.VerifyToken(strings.TrimSpace(token))
}

// VerifyToken validates a raw session token.
func (v *Verifier) VerifyToken(token string) (SessionClaims, error) {
	var parsed sessionClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return v.key, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return SessionClaims{}, mapJWTError(err)
	}

	if parsed.Issuer == "" || parsed.Issuer != v.issuer {
		return SessionClaims{}, apperrors.New(apperrors.CodeUnauthenticated, "session issuer mismatch")
	}
	if !audienceContains(parsed.Audience, v.audience) {
		return SessionClaims{}, apperrors.New(apperrors.CodeUnauthenticated, "session audience mismatch")
	}
	if parsed.ExpiresAt == nil {
		return SessionClaims{}, apperrors.New(apperrors.CodeUnauthenticated, "session exp is required")
	}

	now := v.clock().UTC()
	exp := parsed.ExpiresAt.Time.UTC()
	if !exp.After(now) {
		return SessionClaims{}, apperrors.New(apperrors.CodeUnauthenticated, "session is expired")
	}
	if parsed.NotBefore != nil && now.Before(parsed.NotBefore.Time.UTC()) {
		return SessionClaims{}, apperrors.New(apperrors.CodeUnauthenticated, "session not active yet")
	}
	if strings.TrimSpace(parsed.UserID) == "" {
		return SessionClaims{}, apperrors.New(apperrors.CodeUnauthenticated, "session user_id is required")
	}

	claims := SessionClaims{
		UserID:    parsed.UserID,
		Issuer:    parsed.Issuer,
		ExpiresAt: exp,
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time.UTC()
	}
	return claims, nil
}

// mapJWTError translates jwt library errors to application errors.
func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrEd25519Verification) {
		return apperrors.New(apperrors.CodeUnauthenticated, "session signature is invalid")
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return apperrors.New(apperrors.CodeUnauthenticated, "session alg is invalid")
	}
	return apperrors.New(apperrors.CodeUnauthenticated, "session token is invalid")
}

// audienceContains reports whether the audience list contains the given value.
func audienceContains(aud jwt.ClaimStrings, value string) bool {
	for _, item := range aud {
		if item == value {
			return true
		}
	}
	return false
}

func decodeBase64(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("empty base64 value")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(value)
}
