package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const tokenIssuer = "reputation_consensus"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrNoSecret     = errors.New("jwt secret not configured")
)

// BallotClaims authorize one arbitration body member to submit ballots
// over the HTTP surface.
type BallotClaims struct {
	MemberAddress string `json:"member_address"`
	jwt.RegisteredClaims
}

// TokenManager issues and validates arbitration API tokens.
type TokenManager struct {
	secret []byte
	expiry time.Duration
}

// NewTokenManager creates a token manager. The secret must be non-empty.
func NewTokenManager(secret []byte, expiry time.Duration) (*TokenManager, error) {
	if len(secret) == 0 {
		return nil, ErrNoSecret
	}
	return &TokenManager{secret: secret, expiry: expiry}, nil
}

// Issue creates a signed token for an arbitration body member.
func (tm *TokenManager) Issue(memberAddress string) (string, error) {
	now := time.Now()
	claims := &BallotClaims{
		MemberAddress: memberAddress,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   memberAddress,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tm.expiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(tm.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Validate parses a token and returns the member address it authorizes.
func (tm *TokenManager) Validate(tokenString string) (string, error) {
	claims := &BallotClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return tm.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("parsing token: %w", err)
	}
	if !token.Valid || claims.MemberAddress == "" {
		return "", ErrInvalidToken
	}
	return claims.MemberAddress, nil
}
