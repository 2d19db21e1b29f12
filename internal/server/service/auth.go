package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/crypto/bcrypt"

	"ferry/internal/server/database"
	"ferry/internal/server/rbac"
)

// NewUser is the input for creating an operator account.
type NewUser struct {
	Username    string  `json:"username"`
	DisplayName string  `json:"display_name"`
	Role        string  `json:"role"`
	Email       *string `json:"email,omitempty"`
	Password    string  `json:"password"`
}

// LoginResult is returned after a successful login.
type LoginResult struct {
	Token     string         `json:"token"`
	ExpiresAt time.Time      `json:"expires_at"`
	User      *database.User `json:"user"`
}

// cachedSession is a resolved token. The expiry travels with it so a cache
// hit never outlives the session.
type cachedSession struct {
	user      *database.User
	expiresAt time.Time
}

// AuthService issues and resolves operator sessions.
type AuthService struct {
	repo  UserRepository
	ttl   time.Duration
	cache *expirable.LRU[string, cachedSession]
	now   func() time.Time
}

// NewAuthService creates a new auth service. Resolved sessions are cached
// for cacheTTL so most requests skip the database.
func NewAuthService(repo UserRepository, ttl time.Duration, cacheSize int, cacheTTL time.Duration) *AuthService {
	return &AuthService{
		repo:  repo,
		ttl:   ttl,
		cache: expirable.NewLRU[string, cachedSession](cacheSize, nil, cacheTTL),
		now:   time.Now,
	}
}

// Bootstrap creates the first account, always as admin. It fails once any
// user exists.
func (s *AuthService) Bootstrap(ctx context.Context, in NewUser) (*database.User, error) {
	n, err := s.repo.CountUsers(ctx)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, ErrBootstrapClosed
	}
	in.Role = string(rbac.RoleAdmin)
	u, err := s.CreateUser(ctx, in)
	if err != nil {
		return nil, err
	}
	slog.Info("bootstrap admin created", "username", u.Username)
	return u, nil
}

// NeedsBootstrap reports whether no user exists yet.
func (s *AuthService) NeedsBootstrap(ctx context.Context) (bool, error) {
	n, err := s.repo.CountUsers(ctx)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// CreateUser validates and stores an account with a bcrypt password hash.
func (s *AuthService) CreateUser(ctx context.Context, in NewUser) (*database.User, error) {
	in.Username = strings.TrimSpace(in.Username)
	if in.Username == "" {
		return nil, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	if in.Role == "" {
		in.Role = string(rbac.RoleColorist)
	}
	if !rbac.Valid(rbac.Role(in.Role)) {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, in.Role)
	}
	if len(in.Password) < 8 {
		return nil, fmt.Errorf("%w: password must be at least 8 characters", ErrInvalidInput)
	}
	if in.DisplayName == "" {
		in.DisplayName = in.Username
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	h := string(hash)

	u, err := s.repo.CreateUser(ctx, &database.User{
		Username:     in.Username,
		DisplayName:  in.DisplayName,
		Role:         in.Role,
		Email:        in.Email,
		PasswordHash: &h,
	})
	if err != nil {
		if errors.Is(err, database.ErrConflict) {
			return nil, fmt.Errorf("%w: user %s", ErrConflict, in.Username)
		}
		return nil, err
	}
	return u, nil
}

// ListUsers returns all accounts.
func (s *AuthService) ListUsers(ctx context.Context) ([]*database.User, error) {
	return s.repo.ListUsers(ctx)
}

// Login checks credentials and issues a session token.
func (s *AuthService) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	u, err := s.repo.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, database.ErrUserNotFound) {
			return nil, ErrInvalidCredential
		}
		return nil, err
	}
	if u.PasswordHash == nil {
		return nil, ErrInvalidCredential
	}
	if err := bcrypt.CompareHashAndPassword([]byte(*u.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredential
	}

	token, err := generateToken(32)
	if err != nil {
		return nil, err
	}
	session := &database.Session{
		Token:     token,
		UserID:    u.ID,
		ExpiresAt: s.now().Add(s.ttl).UTC(),
	}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	slog.Info("operator logged in", "username", u.Username)
	return &LoginResult{Token: token, ExpiresAt: session.ExpiresAt, User: u}, nil
}

// Logout revokes a token.
func (s *AuthService) Logout(ctx context.Context, token string) error {
	s.cache.Remove(token)
	return s.repo.DeleteSession(ctx, token)
}

// Authenticate resolves a session token to its user.
func (s *AuthService) Authenticate(ctx context.Context, token string) (*database.User, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}
	now := s.now()
	if c, ok := s.cache.Get(token); ok {
		if c.expiresAt.After(now) {
			return c.user, nil
		}
		s.cache.Remove(token)
		return nil, ErrUnauthenticated
	}
	session, u, err := s.repo.GetSession(ctx, token)
	if err != nil {
		if errors.Is(err, database.ErrSessionNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, err
	}
	if !session.ExpiresAt.After(now) {
		return nil, ErrUnauthenticated
	}
	s.cache.Add(token, cachedSession{user: u, expiresAt: session.ExpiresAt})
	return u, nil
}

// ExpireSessions removes expired sessions from the store.
func (s *AuthService) ExpireSessions(ctx context.Context) (int64, error) {
	return s.repo.DeleteExpiredSessions(ctx)
}

// generateToken returns n random bytes, hex encoded.
func generateToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto/rand failure: %w", err)
	}
	return hex.EncodeToString(b), nil
}
