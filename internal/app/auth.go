/**
 * @description
 * This file contains the authentication use cases: dashboard user login and
 * registration with PBKDF2-SHA256 password hashes, JWT access token issuance
 * and verification, and static API key checks for machine callers.
 *
 * @notes
 * - Stored hashes are base64(salt || key) with a 16-byte salt and a 32-byte key.
 * - Only the configured HMAC algorithm is accepted when parsing tokens.
 */
package app

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/balancetracker/balance-service/internal/domain"
	"github.com/balancetracker/balance-service/internal/store"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/pbkdf2"
)

const (
	passwordIterations = 200000
	passwordSaltLen    = 16
	passwordKeyLen     = 32

	MinPasswordLength = 8

	// TokenTypeBearer is the token_type reported alongside access tokens.
	TokenTypeBearer = "bearer"
)

// AuthConfig holds the secrets and lifetimes used by AuthService.
type AuthConfig struct {
	JWTSecret      string
	JWTAlgorithm   string
	AccessTokenTTL time.Duration
	APISecret      string
}

// Token is an issued access token.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// AuthService authenticates dashboard users and machine callers.
type AuthService struct {
	users  store.UserRepository
	cfg    AuthConfig
	method jwt.SigningMethod
	logger *zap.Logger
	now    func() time.Time
}

// NewAuthService validates cfg and creates a new auth service instance.
func NewAuthService(users store.UserRepository, cfg AuthConfig, logger *zap.Logger) (*AuthService, error) {
	if cfg.JWTAlgorithm == "" {
		cfg.JWTAlgorithm = jwt.SigningMethodHS256.Alg()
	}
	method, ok := jwt.GetSigningMethod(cfg.JWTAlgorithm).(*jwt.SigningMethodHMAC)
	if !ok {
		return nil, fmt.Errorf("unsupported JWT algorithm %q", cfg.JWTAlgorithm)
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT secret must not be empty")
	}
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthService{
		users:  users,
		cfg:    cfg,
		method: method,
		logger: logger.With(zap.String("component", "auth_service")),
		now:    time.Now,
	}, nil
}

// WithClock replaces the clock used for token timestamps and last_login.
func (s *AuthService) WithClock(now func() time.Time) *AuthService {
	s.now = now
	return s
}

// HashPassword derives a storable hash for password with a fresh random salt.
func HashPassword(password string) (string, error) {
	salt := make([]byte, passwordSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	key := pbkdf2.Key([]byte(password), salt, passwordIterations, passwordKeyLen, sha256.New)
	return base64.StdEncoding.EncodeToString(append(salt, key...)), nil
}

// VerifyPassword reports whether password matches a hash from HashPassword.
func VerifyPassword(password, encoded string) bool {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) != passwordSaltLen+passwordKeyLen {
		return false
	}
	salt, want := raw[:passwordSaltLen], raw[passwordSaltLen:]
	got := pbkdf2.Key([]byte(password), salt, passwordIterations, passwordKeyLen, sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1
}

// Authenticate checks the credentials and records the login time.
func (s *AuthService) Authenticate(ctx context.Context, username, password string) (*domain.User, error) {
	user, err := s.users.FindByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, newError(ErrUnauthorized, "Invalid credentials")
		}
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if !VerifyPassword(password, user.PasswordHash) {
		s.logger.Info("rejected login", zap.String("username", user.Username))
		return nil, newError(ErrUnauthorized, "Invalid credentials")
	}

	user.LastLogin = s.now().UTC()
	updated, err := s.users.Update(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("failed to update last login: %w", err)
	}
	return updated, nil
}

// Register creates a new dashboard user.
func (s *AuthService) Register(ctx context.Context, username, password string) (*domain.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, newError(ErrInvalidInput, "Username must not be empty")
	}
	if len(password) < MinPasswordLength {
		return nil, newError(ErrInvalidInput, "Password must be at least %d characters", MinPasswordLength)
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	user, err := s.users.Create(ctx, &domain.User{
		ID:           uuid.New(),
		CreatedAt:    now,
		Username:     username,
		PasswordHash: hash,
		LastLogin:    now,
	})
	if err != nil {
		if errors.Is(err, store.ErrUserExists) {
			return nil, newError(ErrInvalidInput, "User %s already exists", username)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	s.logger.Info("user registered", zap.String("user_id", user.ID.String()), zap.String("username", user.Username))
	return user, nil
}

// IssueToken signs an access token for user.
func (s *AuthService) IssueToken(user *domain.User) (*Token, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   user.ID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.AccessTokenTTL)),
	}
	signed, err := jwt.NewWithClaims(s.method, claims).SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return &Token{AccessToken: signed, TokenType: TokenTypeBearer}, nil
}

// VerifyToken validates an access token and returns the user id it was issued to.
func (s *AuthService) VerifyToken(tokenString string) (uuid.UUID, error) {
	if strings.TrimSpace(tokenString) == "" {
		return uuid.Nil, newError(ErrUnauthorized, "Not authenticated")
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	claims := &jwt.RegisteredClaims{}
	if _, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return []byte(s.cfg.JWTSecret), nil
	}); err != nil {
		return uuid.Nil, newError(ErrUnauthorized, "Could not validate credentials")
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, newError(ErrUnauthorized, "Could not validate credentials")
	}
	return userID, nil
}

// VerifyAPIKey checks a machine caller's key against the configured secret.
func (s *AuthService) VerifyAPIKey(key string) error {
	if key == "" {
		return newError(ErrUnauthorized, "Missing API key")
	}
	if s.cfg.APISecret == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.APISecret)) != 1 {
		return newError(ErrForbidden, "Invalid API key")
	}
	return nil
}
