package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuerName = "random-chats auth service"

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"

	accessLifetime  = 12 * time.Hour
	refreshLifetime = 96 * time.Hour
)

var errInvalidToken = errors.New("invalid token")

type tokenClaims struct {
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// tokenIssuer mints and verifies the HS256 access and refresh tokens.
type tokenIssuer struct {
	secret []byte
}

func (t *tokenIssuer) Issue(uid, tokenType string) (string, error) {
	lifetime := accessLifetime
	if tokenType == tokenTypeRefresh {
		lifetime = refreshLifetime
	}
	claims := tokenClaims{
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuerName,
			Subject:   uid,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(lifetime)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", tokenType, err)
	}
	return signed, nil
}

// Parse verifies signature, expiry and issuer and returns the subject uid
// and token type.
func (t *tokenIssuer) Parse(token string) (uid, tokenType string, err error) {
	var claims tokenClaims
	_, err = jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuerName),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", errInvalidToken, err)
	}
	return claims.Subject, claims.TokenType, nil
}
