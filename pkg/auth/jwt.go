package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nimburion/places/pkg/observability/logger"
)

// ErrInvalidToken is returned for any token that fails verification.
var ErrInvalidToken = errors.New("invalid token")

// Verifier turns a bearer token into a Principal.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Principal, error)
}

// Issuer signs tokens for authenticated principals.
type Issuer interface {
	Issue(p Principal) (string, error)
}

// Config holds HS256 token settings.
type Config struct {
	Secret   string
	Issuer   string
	TokenTTL time.Duration
}

// Claims is the token payload: the registered claims plus the admin flag.
type Claims struct {
	Admin bool `json:"admin"`
	jwt.RegisteredClaims
}

// HMACTokens issues and verifies HS256 tokens.
type HMACTokens struct {
	secret []byte
	issuer string
	ttl    time.Duration
	logger logger.Logger
	now    func() time.Time
}

// NewHMACTokens creates an HS256 issuer/verifier.
func NewHMACTokens(cfg Config, log logger.Logger) (*HMACTokens, error) {
	if len(strings.TrimSpace(cfg.Secret)) < 16 {
		return nil, errors.New("auth secret must be at least 16 characters")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "places"
	}
	return &HMACTokens{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		ttl:    cfg.TokenTTL,
		logger: log,
		now:    time.Now,
	}, nil
}

// Issue signs a token whose subject is the principal id.
func (t *HMACTokens) Issue(p Principal) (string, error) {
	if strings.TrimSpace(p.ID) == "" {
		return "", errors.New("principal id is required")
	}
	now := t.now().UTC()
	claims := Claims{
		Admin: p.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify validates signature, issuer and expiry and returns the principal.
func (t *HMACTokens) Verify(ctx context.Context, tokenString string) (*Principal, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	},
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil || !token.Valid {
		if t.logger != nil {
			t.logger.WithContext(ctx).Debug("token rejected", "error", err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return &Principal{ID: claims.Subject, IsAdmin: claims.Admin}, nil
}
