package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultIssuer = "usergate"

// Claims represents JWT claims carried by access and refresh tokens.
type Claims struct {
	Email string    `json:"email"`
	Role  string    `json:"role,omitempty"`
	Kind  TokenKind `json:"typ"`
	jwt.RegisteredClaims
}

// Codec signs and verifies HS256 tokens. Access and refresh tokens use
// distinct secrets so one can never be replayed as the other.
type Codec struct {
	accessSecret  []byte
	refreshSecret []byte
	issuer        string
	now           func() time.Time
}

// CodecOption configures Codec behavior.
type CodecOption func(*Codec)

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) CodecOption {
	return func(c *Codec) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			c.issuer = issuer
		}
	}
}

// WithCodecClock overrides the time source used for iat, exp and validation.
func WithCodecClock(fn func() time.Time) CodecOption {
	return func(c *Codec) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewCodec builds a codec. Empty secrets are accepted here and reported as
// ErrSigning when the codec is used.
func NewCodec(accessSecret, refreshSecret string, opts ...CodecOption) *Codec {
	c := &Codec{
		accessSecret:  []byte(strings.TrimSpace(accessSecret)),
		refreshSecret: []byte(strings.TrimSpace(refreshSecret)),
		issuer:        defaultIssuer,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Codec) secret(kind TokenKind) ([]byte, error) {
	var key []byte
	switch kind {
	case KindAccess:
		key = c.accessSecret
	case KindRefresh:
		key = c.refreshSecret
	default:
		return nil, fmt.Errorf("%w: unknown token kind %q", ErrSigning, kind)
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: no %s secret", ErrSigning, kind)
	}
	return key, nil
}

// Issue signs a token of the given kind for p that expires after ttl.
func (c *Codec) Issue(p Principal, kind TokenKind, ttl time.Duration) (Token, error) {
	key, err := c.secret(kind)
	if err != nil {
		return Token{}, err
	}
	if strings.TrimSpace(p.ID) == "" {
		return Token{}, fmt.Errorf("%w: subject is required", ErrValidation)
	}
	if ttl < 0 {
		return Token{}, fmt.Errorf("%w: negative ttl %s", ErrValidation, ttl)
	}

	now := c.now().UTC()
	claims := Claims{
		Email: p.Email,
		Role:  p.Role,
		Kind:  kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return Token{}, fmt.Errorf("%w: %w", ErrSigning, err)
	}
	return tokenFromClaims(signed, &claims), nil
}

// Verify checks structure, kind, signature and expiry. It never consults the
// registry; callers decide liveness separately.
func (c *Codec) Verify(raw string, kind TokenKind) (Token, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Token{}, ErrMalformed
	}
	key, err := c.secret(kind)
	if err != nil {
		return Token{}, err
	}

	var peek Claims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &peek); err != nil {
		return Token{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if peek.Kind != kind {
		return Token{}, fmt.Errorf("%w: expected %s token", ErrMalformed, kind)
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(5*time.Second),
	)
	if err != nil {
		return Token{}, mapJWTError(err)
	}
	if !parsed.Valid {
		return Token{}, ErrMalformed
	}
	if claims.Issuer != c.issuer || strings.TrimSpace(claims.Subject) == "" {
		return Token{}, fmt.Errorf("%w: unexpected issuer or subject", ErrMalformed)
	}
	// exp has second precision, so a zero-ttl token would otherwise survive
	// until the end of the second it was minted in.
	if !c.now().Before(claims.ExpiresAt.Time) {
		return Token{}, ErrExpired
	}
	return tokenFromClaims(raw, claims), nil
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %w", ErrSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	default:
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
}

func tokenFromClaims(raw string, claims *Claims) Token {
	tok := Token{
		Raw:          raw,
		Kind:         claims.Kind,
		ID:           claims.ID,
		SubjectID:    claims.Subject,
		SubjectEmail: claims.Email,
		SubjectRole:  claims.Role,
	}
	if claims.IssuedAt != nil {
		tok.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		tok.ExpiresAt = claims.ExpiresAt.Time
	}
	return tok
}
