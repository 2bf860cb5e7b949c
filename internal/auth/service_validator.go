// Package auth authenticates machine callers of the internal API.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingSigningKey   = errors.New("service validator: signing key required")
	ErrMissingIssuer       = errors.New("service validator: issuer required")
	ErrMissingServiceToken = errors.New("service validator: token required")
	ErrInvalidServiceToken = errors.New("service validator: invalid token")
	ErrExpiredServiceToken = errors.New("service validator: token expired")
	ErrMissingSubject      = errors.New("service validator: subject required")
)

const bearerPrefix = "Bearer "

// ServiceClaims is the JWT payload minted by the identity integration for each call.
type ServiceClaims struct {
	jwt.RegisteredClaims
}

// ServiceValidatorConfig describes how to validate identity integration JWTs.
type ServiceValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	Clock         func() time.Time
}

// ServiceValidator validates HS256 bearer JWTs signed with the shared secret.
type ServiceValidator struct {
	signingSecret []byte
	issuer        string
	clock         func() time.Time
}

// NewServiceValidator constructs a validator with the provided configuration.
func NewServiceValidator(cfg ServiceValidatorConfig) (*ServiceValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &ServiceValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		clock:         clock,
	}, nil
}

// ValidateToken validates the supplied JWT string and returns the parsed claims.
func (v *ServiceValidator) ValidateToken(tokenString string) (ServiceClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return ServiceClaims{}, ErrMissingServiceToken
	}

	claims := &ServiceClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidServiceToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ServiceClaims{}, ErrExpiredServiceToken
		}
		return ServiceClaims{}, fmt.Errorf("%w: %v", ErrInvalidServiceToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return ServiceClaims{}, ErrInvalidServiceToken
	}
	if claims.Issuer != v.issuer {
		return ServiceClaims{}, ErrInvalidServiceToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return ServiceClaims{}, ErrMissingSubject
	}
	return *claims, nil
}

// ValidateRequest extracts the bearer token from the Authorization header and validates it.
func (v *ServiceValidator) ValidateRequest(r *http.Request) (ServiceClaims, error) {
	if r == nil {
		return ServiceClaims{}, ErrMissingServiceToken
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return ServiceClaims{}, ErrMissingServiceToken
	}
	return v.ValidateToken(header[len(bearerPrefix):])
}
