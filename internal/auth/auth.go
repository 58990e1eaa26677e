// Package auth issues and validates the session tokens handed out after a
// successful wallet sign-in.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Crypto-SI/wafflepayment/internal/identity"
)

const (
	defaultIssuer = "wafflepay"
	defaultTTL    = 24 * time.Hour
	minSecretLen  = 16
)

var (
	ErrMissingSecret = errors.New("auth: secret must be at least 16 bytes")

	// ErrInvalidToken indicates the token failed validation.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Claims represents JWT claims carried by a session token.
type Claims struct {
	Wallet string `json:"wallet,omitempty"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Session is the opaque session identity returned to clients.
type Session struct {
	Token     string            `json:"token"`
	ExpiresAt time.Time         `json:"expires_at"`
	User      identity.Identity `json:"user"`
}

// Issuer signs and verifies HS256 session tokens.
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// IssuerOption configures Issuer.
type IssuerOption func(*Issuer)

func WithTTL(ttl time.Duration) IssuerOption {
	return func(i *Issuer) {
		if ttl > 0 {
			i.ttl = ttl
		}
	}
}

func WithIssuer(name string) IssuerOption {
	return func(i *Issuer) {
		if name = strings.TrimSpace(name); name != "" {
			i.issuer = name
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(fn func() time.Time) IssuerOption {
	return func(i *Issuer) {
		if fn != nil {
			i.now = fn
		}
	}
}

func NewIssuer(secret string, opts ...IssuerOption) (*Issuer, error) {
	secret = strings.TrimSpace(secret)
	if len(secret) < minSecretLen {
		return nil, ErrMissingSecret
	}
	i := &Issuer{
		secret: []byte(secret),
		issuer: defaultIssuer,
		ttl:    defaultTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Issue signs a session token for id.
func (i *Issuer) Issue(id identity.Identity) (Session, error) {
	if strings.TrimSpace(id.ID) == "" {
		return Session{}, errors.New("auth: identity id is required")
	}
	now := i.now().UTC()
	exp := now.Add(i.ttl)
	claims := Claims{
		Wallet: id.WalletAddress,
		Email:  id.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   id.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return Session{}, fmt.Errorf("sign token: %w", err)
	}
	return Session{Token: signed, ExpiresAt: exp, User: id}, nil
}

// Parse verifies the token signature and required claims.
func (i *Issuer) Parse(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return i.secret, nil
	},
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(i.now),
		jwt.WithLeeway(5*time.Second),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
