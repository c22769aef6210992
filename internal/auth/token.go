// ABOUTME: JWT token generation and verification for session authentication
// ABOUTME: Uses HS256 signing with configurable secret; claims carry entity, jti, permissions

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrTokenRevoked = errors.New("token revoked")
)

// Claims is the verified content of a token.
type Claims struct {
	EntityID    string
	TokenID     string
	Permissions []string
	ExpiresAt   time.Time
}

// Signer issues and verifies HS256 signed tokens.
type Signer struct {
	secret []byte
}

// NewSigner creates a token signer with the given secret.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// Generate creates a token bound to the given entity and permission set.
// The returned token ID (jti) identifies the token for revocation.
func (s *Signer) Generate(entityID string, permissions []string, ttl time.Duration) (token, tokenID string, err error) {
	now := time.Now()
	tokenID = uuid.New().String()
	claims := jwt.MapClaims{
		"sub":   entityID,
		"jti":   tokenID,
		"perms": permissions,
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", "", fmt.Errorf("signing token: %w", err)
	}
	return signed, tokenID, nil
}

// Verify validates the token signature and expiry and extracts its claims.
// Client-supplied claims are never trusted without a valid signature.
func (s *Signer) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, ok := mapClaims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	claims := &Claims{EntityID: sub}

	if jti, ok := mapClaims["jti"].(string); ok {
		claims.TokenID = jti
	}
	if exp, ok := mapClaims["exp"].(float64); ok {
		claims.ExpiresAt = time.Unix(int64(exp), 0)
	}
	if rawPerms, ok := mapClaims["perms"].([]any); ok {
		for _, p := range rawPerms {
			if s, ok := p.(string); ok {
				claims.Permissions = append(claims.Permissions, s)
			}
		}
	}

	return claims, nil
}
