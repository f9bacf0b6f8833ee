package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const bearerPrefix = "Bearer "

var (
	ErrMissingSigningKey    = errors.New("identity validator: signing key required")
	ErrMissingIssuer        = errors.New("identity validator: issuer required")
	ErrMissingIdentityToken = errors.New("identity validator: token required")
	ErrInvalidIdentityToken = errors.New("identity validator: invalid token")
	ErrExpiredIdentityToken = errors.New("identity validator: token expired")
	ErrMissingSubject       = errors.New("identity validator: subject required")
)

// IdentityClaims is the payload of an identity token presented when opening
// a review session.
type IdentityClaims struct {
	UserID          string `json:"user_id"`
	UserEmail       string `json:"user_email,omitempty"`
	UserDisplayName string `json:"user_display_name,omitempty"`
	jwt.RegisteredClaims
}

// IdentityValidatorConfig describes how identity tokens are verified.
type IdentityValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	Clock         func() time.Time
}

// IdentityValidator validates HS256 identity tokens.
type IdentityValidator struct {
	signingSecret []byte
	issuer        string
	clock         func() time.Time
}

// NewIdentityValidator constructs a validator with the provided configuration.
func NewIdentityValidator(cfg IdentityValidatorConfig) (*IdentityValidator, error) {
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
	return &IdentityValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		clock:         clock,
	}, nil
}

// ValidateToken validates the supplied JWT string and returns the parsed claims.
func (v *IdentityValidator) ValidateToken(tokenString string) (IdentityClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return IdentityClaims{}, ErrMissingIdentityToken
	}

	claims := &IdentityClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidIdentityToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return IdentityClaims{}, ErrExpiredIdentityToken
		}
		return IdentityClaims{}, fmt.Errorf("%w: %v", ErrInvalidIdentityToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return IdentityClaims{}, ErrInvalidIdentityToken
	}
	if strings.TrimSpace(claims.Subject) == "" && strings.TrimSpace(claims.UserID) == "" {
		return IdentityClaims{}, ErrMissingSubject
	}
	return *claims, nil
}

// ValidateRequest reads a bearer token from the Authorization header.
func (v *IdentityValidator) ValidateRequest(r *http.Request) (IdentityClaims, error) {
	if r == nil {
		return IdentityClaims{}, ErrMissingIdentityToken
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, bearerPrefix) {
		return IdentityClaims{}, ErrMissingIdentityToken
	}
	return v.ValidateToken(strings.TrimPrefix(header, bearerPrefix))
}
