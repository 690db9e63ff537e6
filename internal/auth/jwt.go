package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "electrometer-csc"

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

type Permission string

const (
	PermObserve Permission = "observe"
	PermCommand Permission = "command"
)

// Roles carried in the role claim.
const (
	RoleObserver = "observer"
	RoleOperator = "operator"
)

type JWTClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Permissions expands the role claim.
func (c *JWTClaims) Permissions() []Permission {
	switch c.Role {
	case RoleOperator:
		return []Permission{PermObserve, PermCommand}
	case RoleObserver:
		return []Permission{PermObserve}
	}
	return nil
}

type JWTHandler struct {
	secretKey []byte
	tokenTTL  time.Duration
}

func NewJWTHandler(secretKey string, tokenTTL time.Duration) *JWTHandler {
	return &JWTHandler{
		secretKey: []byte(secretKey),
		tokenTTL:  tokenTTL,
	}
}

// GenerateToken issues a token for subject. Tokens are normally issued by the
// observatory; this exists for operators' tooling and tests.
func (j *JWTHandler) GenerateToken(subject, role string) (string, error) {
	now := time.Now()
	claims := JWTClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.tokenTTL)),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secretKey)
}

func (j *JWTHandler) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secretKey, nil
	}, jwt.WithIssuer(issuer))

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, fmt.Errorf("%w: invalid token", ErrUnauthorized)
}

// Authorize validates a token and checks it grants required.
func (j *JWTHandler) Authorize(tokenString string, required Permission) (*JWTClaims, error) {
	claims, err := j.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	for _, p := range claims.Permissions() {
		if p == required {
			return claims, nil
		}
	}
	return nil, fmt.Errorf("%w: role %q lacks %s", ErrForbidden, claims.Role, required)
}
