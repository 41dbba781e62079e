// Package auth resolves the request principal from an HS256 bearer token
// and guards routes that need one.
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/keithlinneman/linnemanlabs-api/internal/reqctx"
	"github.com/keithlinneman/linnemanlabs-api/internal/xerrors"
)

var ErrNoToken = errors.New("no bearer token")

// Claims is the token payload. Subject carries the user id and ID the
// token id.
type Claims struct {
	Abilities []string `json:"abilities,omitempty"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secret []byte
	issuer string
	leeway time.Duration
}

// NewVerifier verifies tokens signed with secret. An empty issuer accepts
// any issuer.
func NewVerifier(secret []byte, issuer string) *Verifier {
	return &Verifier{secret: secret, issuer: issuer, leeway: 30 * time.Second}
}

// Verify parses token and returns the principal it names. Tokens without
// an expiry or a subject are rejected.
func (v *Verifier) Verify(token string) (*reqctx.Principal, error) {
	if token == "" {
		return nil, ErrNoToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims Claims
	tok, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, xerrors.Wrap(err, "verify token")
	}
	if !tok.Valid || claims.Subject == "" {
		return nil, xerrors.Wrap(jwt.ErrTokenInvalidClaims, "verify token")
	}

	return &reqctx.Principal{
		UserID:    claims.Subject,
		TokenID:   claims.ID,
		Abilities: claims.Abilities,
	}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// failureReason maps a verification error to a short label for logs and
// metrics. Token contents never reach either.
func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrNoToken):
		return "missing_token"
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "bad_signature"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed_token"
	default:
		return "invalid_token"
	}
}
