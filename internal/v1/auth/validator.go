// Package auth validates and mints the hub's bearer tokens. Sign-up and the
// OAuth flows live outside the hub; what reaches us is an HS256 session token
// whose email claim identifies the user.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/iparaskev/hopp/internal/v1/logging"
)

// SessionClaims are the hub-minted bearer token claims.
type SessionClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// sessionTokenLifetime matches the lifetime the login service stamps on
// freshly minted sessions.
const sessionTokenLifetime = 365 * 24 * time.Hour

// Validator verifies HS256 session tokens against the shared signing secret.
type Validator struct {
	secret []byte
}

// NewValidator creates a Validator for the given signing secret.
func NewValidator(secret string) (*Validator, error) {
	if secret == "" {
		return nil, errors.New("signing secret must not be empty")
	}
	return &Validator{secret: []byte(secret)}, nil
}

// ValidateToken parses and validates a session token string. It returns the
// token's claims if the signature checks out and the token has not expired.
func (v *Validator) ValidateToken(tokenString string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return nil, errors.New("token is invalid")
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok {
		return nil, errors.New("failed to cast claims to SessionClaims")
	}

	if claims.Email == "" {
		return nil, errors.New("token missing email claim")
	}

	return claims, nil
}

// MintSessionToken signs a session token for the given email. The login
// service is the normal issuer; the hub exposes this for tooling and tests.
func (v *Validator) MintSessionToken(email string) (string, error) {
	now := time.Now()
	claims := SessionClaims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(sessionTokenLifetime)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}

// BearerFromRequest extracts the bearer token from an Authorization header
// value or, failing that, returns the fallback query value. WebSocket clients
// cannot always set headers, so the token query parameter is accepted too.
func BearerFromRequest(authorizationHeader, tokenQuery string) string {
	if authorizationHeader != "" {
		if after, ok := strings.CutPrefix(authorizationHeader, "Bearer "); ok {
			return after
		}
		return authorizationHeader
	}
	return tokenQuery
}

func GetAllowedOriginsFromEnv(envVarName string, defaultEnvs []string) []string {
	// Example: ALLOWED_ORIGINS="http://localhost:3000,https://your-app.com"
	originsStr := os.Getenv(envVarName)
	if originsStr == "" {
		// Provide sensible defaults for local development if the env var isn't set.
		logging.Warn(context.Background(), fmt.Sprintf("%s environment variable not set. Using default development origins:\n%s", envVarName, defaultEnvs))
		return defaultEnvs
	}
	return strings.Split(originsStr, ",")
}
