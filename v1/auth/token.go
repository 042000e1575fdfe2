package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	solveserrors "github.com/solveshq/solves/v1/errors"
	"github.com/solveshq/solves/v1/users"
)

// Claims are carried by API tokens.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token for u.
func (s *Service) IssueToken(u *users.User) (string, time.Time, error) {
	if s.opts.JWTSecret == "" {
		return "", time.Time{}, solveserrors.Invalid("jwt_secret", "API tokens are disabled")
	}
	now := s.now()
	exp := now.Add(s.opts.JWTTTL)
	claims := &Claims{
		Role: u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			Issuer:    s.opts.Issuer,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.opts.JWTSecret))
	if err != nil {
		return "", time.Time{}, err
	}
	return token, exp, nil
}

// ParseToken verifies signature, issuer and expiry of an API token.
func (s *Service) ParseToken(raw string) (*Claims, error) {
	if s.opts.JWTSecret == "" {
		return nil, solveserrors.Unauthorized("API tokens are disabled")
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return []byte(s.opts.JWTSecret), nil
	},
		jwt.WithIssuer(s.opts.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, solveserrors.Unauthorized("token expired")
		}
		return nil, solveserrors.Unauthorized("invalid token")
	}
	if !token.Valid || claims.Subject == "" {
		return nil, solveserrors.Unauthorized("invalid token")
	}
	return claims, nil
}

// ResolveToken parses an API token and loads its user, which must still
// exist and not be banned.
func (s *Service) ResolveToken(ctx context.Context, raw string) (*users.User, error) {
	claims, err := s.ParseToken(raw)
	if err != nil {
		return nil, err
	}
	return s.activeUser(ctx, claims.Subject)
}
