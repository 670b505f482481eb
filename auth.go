package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenIssuer     = "battlenode"
	defaultTokenTTL = 24 * time.Hour
)

// UserClaims identifies the player a token was issued to.
type UserClaims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// TokenManager issues and verifies HS256 user tokens. The subject claim
// carries the user id.
type TokenManager struct {
	secret   []byte
	tokenTTL time.Duration
}

// NewTokenManager returns nil when no secret is configured, which disables
// token checks.
func NewTokenManager(secret string, tokenTTL time.Duration) *TokenManager {
	if secret == "" {
		return nil
	}
	return &TokenManager{
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
	}
}

// Issue signs a token for the user.
func (tm *TokenManager) Issue(userID, name string) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}

	now := time.Now()
	claims := UserClaims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tm.tokenTTL)),
			Issuer:    tokenIssuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(tm.secret)
}

// Verify parses the token and returns its claims.
func (tm *TokenManager) Verify(tokenString string) (*UserClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &UserClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return tm.secret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*UserClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// Authenticate resolves the caller of a request. Without a token manager the
// declared user id is trusted; otherwise the token decides and a declared id
// must match it.
func (tm *TokenManager) Authenticate(declaredUserID, tokenString string) (string, error) {
	if tm == nil {
		if declaredUserID == "" {
			return "", RPCErrorf("user_id is required")
		}
		return declaredUserID, nil
	}

	if tokenString == "" {
		return "", RPCErrorf("token is required")
	}
	claims, err := tm.Verify(tokenString)
	if err != nil {
		return "", RPCErrorf("invalid token")
	}
	if declaredUserID != "" && declaredUserID != claims.Subject {
		return "", RPCErrorf("token does not match user_id")
	}
	return claims.Subject, nil
}
