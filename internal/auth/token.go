// ABOUTME: JWT token verification for realtime and API callers
// ABOUTME: Uses HS256 signing with configurable secret; tokens carry account and agent claims

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// Claims identify the caller. Agents act on behalf of an owner account and
// only see the conversations assigned to them.
type Claims struct {
	UID      string
	Agent    bool
	OwnerUID string
}

// Owner returns the account whose conversations the caller operates on.
func (c *Claims) Owner() string {
	if c.Agent {
		return c.OwnerUID
	}
	return c.UID
}

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(tokenString string) (*Claims, error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify validates the token and extracts the caller claims. The account id
// is read from "sub"; agent tokens must also carry "owner_uid".
func (v *JWTVerifier) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
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

	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, ok := mc["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	claims := &Claims{UID: sub}
	if agent, _ := mc["agent"].(bool); agent {
		owner, _ := mc["owner_uid"].(string)
		if owner == "" {
			return nil, fmt.Errorf("%w: owner_uid", ErrMissingClaim)
		}
		claims.Agent = true
		claims.OwnerUID = owner
	}
	return claims, nil
}

// Generate creates a new JWT token for the given claims with expiration
func (v *JWTVerifier) Generate(c Claims, expiresIn time.Duration) (string, error) {
	if c.UID == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	now := time.Now()
	mc := jwt.MapClaims{
		"sub": c.UID,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}
	if c.Agent {
		mc["agent"] = true
		mc["owner_uid"] = c.OwnerUID
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, mc)
	return token.SignedString(v.secret)
}
