package user

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"go-support/internal/apperr"
)

// Lookup is the subset of Repository the service reads from.
type Lookup interface {
	GetUserByID(ctx context.Context, id string) (*User, error)
}

type Service struct {
	repo      Lookup
	jwtSecret string
}

// Claims carried by bearer tokens. Tokens are issued elsewhere; this service
// only validates them.
type Claims struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
	jwt.RegisteredClaims
}

func NewService(repo Lookup, secret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: secret,
	}
}

// ValidateToken returns userID, username and role for a valid HS256 token.
func (s *Service) ValidateToken(tokenString string) (string, string, string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.jwtSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil {
		return "", "", "", errors.Wrap(err, "validate token")
	}
	if !token.Valid {
		return "", "", "", errors.New("validate token: token is not valid")
	}
	if claims.ID == "" || !claims.Role.Valid() {
		return "", "", "", errors.New("validate token: missing id or role claim")
	}

	return claims.ID, claims.Username, string(claims.Role), nil
}

// Profile merges the token identity with the stored user record, if any.
// Guests and users not yet synced into the users table are reported as unknown.
func (s *Service) Profile(ctx context.Context, id, username string, role Role) (*ProfileResponse, error) {
	res := &ProfileResponse{ID: id, Username: username, Role: role}
	u, err := s.repo.GetUserByID(ctx, id)
	if errors.Is(err, apperr.ErrNotFound) {
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	res.Username = u.Username
	res.Role = u.Role
	res.Known = true
	return res, nil
}
