package utils

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const visitorIssuer = "taranqi"

// VisitorClaims identify an anonymous visitor. The subject is the
// visitor id that namespaces conversation history.
type VisitorClaims struct {
	VisitorID uuid.UUID `json:"vid"`
	jwt.RegisteredClaims
}

func GenerateVisitorToken(secret string, visitorID uuid.UUID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := VisitorClaims{
		VisitorID: visitorID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    visitorIssuer,
			Subject:   visitorID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func ParseVisitorToken(secret, tokenString string) (*VisitorClaims, error) {
	claims := &VisitorClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(visitorIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("parse visitor token: %w", err)
	}
	if !token.Valid || claims.VisitorID == uuid.Nil {
		return nil, errors.New("invalid visitor token")
	}
	return claims, nil
}
