// Package auth verifies bearer JWTs from the identity provider and exposes
// the authenticated account id to handlers.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

const defaultLeeway = 30 * time.Second

var (
	// ErrMissingToken is returned when a request carries no bearer token
	ErrMissingToken = errors.New("missing bearer token")

	// ErrInvalidToken is returned when a token fails verification
	ErrInvalidToken = errors.New("invalid token")
)

// Config configures a Verifier. Exactly one of JWKSURL or HMACSecret is required.
type Config struct {
	// JWKSURL is fetched and refreshed in the background for RS256/384/512 keys
	JWKSURL string

	// HMACSecret verifies HS256 tokens
	HMACSecret string

	// Issuer and Audience are checked when set
	Issuer   string
	Audience string

	// Leeway tolerates clock skew on exp/nbf/iat (default: 30s)
	Leeway time.Duration
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if (c.JWKSURL == "") == (c.HMACSecret == "") {
		return errors.New("exactly one of JWKS URL or HMAC secret must be set")
	}
	return nil
}

// Claims are the identity fields planmeter reads from a verified token
type Claims struct {
	// Subject is the account id
	Subject string
	Email   string
}

type tokenClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates bearer tokens
type Verifier struct {
	keyfunc jwt.Keyfunc
	parser  *jwt.Parser
}

// NewVerifier builds a verifier. With a JWKS URL the key set is fetched
// until ctx is done.
func NewVerifier(ctx context.Context, config Config) (*Verifier, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid auth config: %w", err)
	}
	if config.Leeway <= 0 {
		config.Leeway = defaultLeeway
	}

	opts := []jwt.ParserOption{
		jwt.WithLeeway(config.Leeway),
		jwt.WithExpirationRequired(),
	}
	if config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(config.Issuer))
	}
	if config.Audience != "" {
		opts = append(opts, jwt.WithAudience(config.Audience))
	}

	var kf jwt.Keyfunc
	if config.JWKSURL != "" {
		provider, err := keyfunc.NewDefaultCtx(ctx, []string{config.JWKSURL})
		if err != nil {
			return nil, fmt.Errorf("failed to init JWKS keyfunc: %w", err)
		}
		kf = provider.Keyfunc
		opts = append(opts, jwt.WithValidMethods([]string{
			jwt.SigningMethodRS256.Name, jwt.SigningMethodRS384.Name, jwt.SigningMethodRS512.Name,
		}))
	} else {
		secret := []byte(config.HMACSecret)
		kf = func(*jwt.Token) (any, error) { return secret, nil }
		opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))
	}

	return &Verifier{
		keyfunc: kf,
		parser:  jwt.NewParser(opts...),
	}, nil
}

// Verify parses and validates a token, returning its claims
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	var tc tokenClaims
	token, err := v.parser.ParseWithClaims(tokenString, &tc, v.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if tc.Subject == "" {
		return nil, fmt.Errorf("%w: token missing sub", ErrInvalidToken)
	}
	return &Claims{Subject: tc.Subject, Email: tc.Email}, nil
}

func extractBearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
