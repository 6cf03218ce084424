package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"escrowflow/apperr"
)

var (
	// ErrInvalidToken signals a missing, expired or forged bearer token.
	ErrInvalidToken = apperr.New(apperr.KindUnauthenticated, "invalid token")
	// ErrInvalidCredential signals a wrong service credential.
	ErrInvalidCredential = apperr.New(apperr.KindUnauthenticated, "invalid service credential")
)

// Service verifies caller identity. Sessions are issued elsewhere; this
// service only checks HS256 tokens signed with the shared secret.
type Service struct {
	repo      Repository
	jwtSecret []byte
	now       func() time.Time
}

// NewService creates a new authentication service.
func NewService(repo Repository, jwtSecret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
		now:       time.Now,
	}
}

// WithClock overrides the clock used for token timestamps.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// GetUserByID retrieves profile information by ID.
func (s *Service) GetUserByID(ctx context.Context, userID string) (*User, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// VerifyToken validates a JWT token and returns the user ID and role.
func (s *Service) VerifyToken(tokenString string) (string, Role, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", "", ErrInvalidToken
	}
	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return "", "", fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}
	roleStr, ok := claims["role"].(string)
	if !ok {
		return "", "", fmt.Errorf("%w: missing role", ErrInvalidToken)
	}
	role := Role(roleStr)
	if !isValidRole(role) {
		return "", "", fmt.Errorf("%w: unknown role %q", ErrInvalidToken, roleStr)
	}
	return userID, role, nil
}

// IssueToken signs a token for operators and schedulers.
func (s *Service) IssueToken(userID string, role Role, ttl time.Duration) (string, error) {
	if !isValidRole(role) {
		return "", fmt.Errorf("auth: invalid role %q", role)
	}
	now := s.now()
	claims := jwt.MapClaims{
		"user_id": userID,
		"role":    string(role),
		"exp":     now.Add(ttl).Unix(),
		"iat":     now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return tokenString, nil
}

// ServiceCredential guards the scheduler-only entry points with a shared
// secret stored as a bcrypt hash.
type ServiceCredential struct {
	hash []byte
}

func NewServiceCredential(hash string) *ServiceCredential {
	return &ServiceCredential{hash: []byte(strings.TrimSpace(hash))}
}

// HashServiceCredential produces the hash stored in configuration.
func HashServiceCredential(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash credential: %w", err)
	}
	return string(hash), nil
}

// Verify checks a presented secret. With no hash configured nothing passes.
func (c *ServiceCredential) Verify(secret string) error {
	if c == nil || len(c.hash) == 0 || secret == "" {
		return ErrInvalidCredential
	}
	if err := bcrypt.CompareHashAndPassword(c.hash, []byte(secret)); err != nil {
		return ErrInvalidCredential
	}
	return nil
}

func isValidRole(role Role) bool {
	switch role {
	case RoleBuyer, RoleSeller, RoleAdmin, RoleService:
		return true
	default:
		return false
	}
}
