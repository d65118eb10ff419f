package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verification failures. Callers treat every one of them as a rejection.
var (
	ErrMissingToken     = errors.New("token not provided")
	ErrMalformedToken   = errors.New("token is malformed")
	ErrInvalidSignature = errors.New("token signature is invalid")
	ErrTokenExpired     = errors.New("token has expired")
	ErrClaimMismatch    = errors.New("token stream key does not match")
)

// StreamClaims is the capability a publisher presents on the ingest URL.
type StreamClaims struct {
	StreamKey string `json:"stream_key"`
	jwt.RegisteredClaims
}

// TokenVerifier checks publish tokens against the process-wide secret.
type TokenVerifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}
}

// Verify parses tokenString and requires its stream_key claim to equal
// expectedStreamKey.
func (v *TokenVerifier) Verify(tokenString, expectedStreamKey string) (*StreamClaims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	claims := &StreamClaims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		default:
			return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
		}
	}
	if !token.Valid {
		return nil, ErrInvalidSignature
	}

	if claims.StreamKey != expectedStreamKey {
		return nil, fmt.Errorf("%w: %q != %q", ErrClaimMismatch, claims.StreamKey, expectedStreamKey)
	}

	return claims, nil
}

// Issue signs a publish token for streamKey. A zero ttl yields a token without
// an expiry, which is what stream dashboards hand out.
func (v *TokenVerifier) Issue(streamKey string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := StreamClaims{
		StreamKey: streamKey,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign stream token: %w", err)
	}
	return signed, nil
}
