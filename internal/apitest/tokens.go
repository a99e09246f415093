package apitest

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	accessTokenType  = "access"
	refreshTokenType = "refresh"
	tokenIssuerName  = "teasync-fake-api"
)

var (
	errWrongTokenType      = errors.New("apitest: wrong token type")
	errMissingSubjectClaim = errors.New("apitest: subject claim must be provided")
)

type tokenClaims struct {
	UserID    string `json:"user_id"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// tokenIssuer mints and validates HS256 token pairs the way the tea API does.
type tokenIssuer struct {
	signingSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	clock         func() time.Time
	generations   map[string]int
}

func newTokenIssuer(secret string, clock func() time.Time) *tokenIssuer {
	if clock == nil {
		clock = time.Now
	}
	return &tokenIssuer{
		signingSecret: []byte(secret),
		accessTTL:     5 * time.Minute,
		refreshTTL:    24 * time.Hour,
		clock:         clock,
		generations:   map[string]int{},
	}
}

func (i *tokenIssuer) issue(userID, tokenType string) (string, error) {
	if userID == "" {
		return "", errMissingSubjectClaim
	}
	ttl := i.accessTTL
	if tokenType == refreshTokenType {
		ttl = i.refreshTTL
	}
	now := i.clock().UTC()
	claims := tokenClaims{
		UserID:    userID,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    tokenIssuerName,
			ID:        i.tokenID(tokenType),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.signingSecret)
}

// validate checks signature, expiry and type, returning the user id.
func (i *tokenIssuer) validate(tokenString, tokenType string) (string, error) {
	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.signingSecret, nil
		},
		jwt.WithIssuer(tokenIssuerName),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return "", err
	}
	if claims.TokenType != tokenType {
		return "", errWrongTokenType
	}
	if claims.ID != i.tokenID(tokenType) {
		return "", jwt.ErrTokenInvalidId
	}
	if claims.UserID == "" {
		return "", errMissingSubjectClaim
	}
	return claims.UserID, nil
}

// revoke invalidates every token of tokenType issued so far.
func (i *tokenIssuer) revoke(tokenType string) {
	i.generations[tokenType]++
}

func (i *tokenIssuer) tokenID(tokenType string) string {
	return fmt.Sprintf("%s-%d", tokenType, i.generations[tokenType])
}
