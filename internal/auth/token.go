// ABOUTME: JWT access tokens for authenticating agent connections
// ABOUTME: Uses HS256 signing with configurable secret; tokens carry agent and organization claims

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
	ErrWrongAgent   = errors.New("token issued for another agent")
)

// Claims identifies the agent a token was issued to.
type Claims struct {
	AgentID string
	OrgID   string
}

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(tokenString string) (Claims, error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify validates the token and extracts the agent from the "sub" claim and
// the organization from the "org" claim.
func (v *JWTVerifier) Verify(tokenString string) (Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return Claims{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return Claims{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	org, ok := claims["org"].(string)
	if !ok || org == "" {
		return Claims{}, fmt.Errorf("%w: org", ErrMissingClaim)
	}

	return Claims{AgentID: sub, OrgID: org}, nil
}

// Generate creates a new JWT token for the given agent with expiration
func (v *JWTVerifier) Generate(agentID, orgID string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": agentID,
		"org": orgID,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// Authorize verifies tokenString and checks it was issued to agentID in orgID.
func Authorize(v TokenVerifier, tokenString, agentID, orgID string) error {
	if tokenString == "" {
		return fmt.Errorf("%w: empty", ErrInvalidToken)
	}
	claims, err := v.Verify(tokenString)
	if err != nil {
		return err
	}
	if claims.AgentID != agentID || claims.OrgID != orgID {
		return ErrWrongAgent
	}
	return nil
}
