package jwt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"magiclink/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid session token")

type Claims struct {
	UserID int64
	Email  string
	ID     string
}

// Issuer signs and parses HS256 session tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// * Establish issues a session token for a verified user.
func (i *Issuer) Establish(_ context.Context, user models.User) (models.Session, error) {
	const op = "jwt.Issuer.Establish"

	now := i.now()
	expiresAt := now.Add(i.ttl)

	claims := jwt.MapClaims{
		"sub":   user.ID,
		"email": user.Email,
		"jti":   uuid.New().String(),
		"iat":   now.Unix(),
		"exp":   expiresAt.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := token.SignedString(i.secret)
	if err != nil {
		return models.Session{}, fmt.Errorf("%s: %w", op, err)
	}

	return models.Session{
		Token:     signed,
		UserID:    user.ID,
		ExpiresAt: expiresAt,
	}, nil
}

// * Parse validates a session token and returns its claims.
func (i *Issuer) Parse(tokenStr string) (Claims, error) {
	const op = "jwt.Issuer.Parse"

	claims := jwt.MapClaims{}

	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil {
		return Claims{}, fmt.Errorf("%s: %w: %w", op, ErrInvalidToken, err)
	}

	if !token.Valid {
		return Claims{}, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	sub, ok := claims["sub"].(float64)
	if !ok {
		return Claims{}, fmt.Errorf("%s: %w: missing sub", op, ErrInvalidToken)
	}

	email, _ := claims["email"].(string)
	jti, _ := claims["jti"].(string)

	return Claims{
		UserID: int64(sub),
		Email:  email,
		ID:     jti,
	}, nil
}
