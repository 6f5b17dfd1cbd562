package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenBeamlineCore/internal/config"
)

type Permission string

const (
	PermOperator   Permission = "operator"
	PermTechnician Permission = "technician"
	PermAdmin      Permission = "admin"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account locked")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

const (
	maxFailedLogins = 5
	lockoutDuration = 15 * time.Minute
)

// Identity is the authenticated caller of a request.
type Identity struct {
	Username    string
	Role        string
	Permissions []Permission
}

type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type refreshEntry struct {
	username  string
	expiresAt time.Time
}

type loginState struct {
	failed      int
	lockedUntil time.Time
}

// AuthService authenticates the users and API keys listed in the config.
// Refresh tokens and lockout counters live in memory and reset on
// restart.
type AuthService struct {
	users          map[string]config.UserConfig
	apiKeys        map[string]config.APIKeyConfig
	jwtHandler     *JWTHandler
	passwordHasher *PasswordHasher
	logger         *zap.Logger

	mu      sync.Mutex
	refresh map[string]refreshEntry
	logins  map[string]*loginState
}

func NewAuthService(cfg config.AuthConfig, logger *zap.Logger) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &AuthService{
		users:          make(map[string]config.UserConfig, len(cfg.Users)),
		apiKeys:        make(map[string]config.APIKeyConfig, len(cfg.APIKeys)),
		jwtHandler:     NewJWTHandler(cfg.GetJWTSecret(), cfg.AccessTokenTTL, cfg.RefreshTokenTTL),
		passwordHasher: NewPasswordHasher(DefaultHashParams),
		logger:         logger,
		refresh:        make(map[string]refreshEntry),
		logins:         make(map[string]*loginState),
	}
	for _, u := range cfg.Users {
		a.users[u.Username] = u
	}
	for _, k := range cfg.APIKeys {
		a.apiKeys[k.TokenHash] = k
	}
	if !cfg.IsProductionReady() {
		logger.Warn("JWT secret is the development default or too short",
			zap.String("env", cfg.JWTSecretEnv))
	}
	return a
}

// Login checks the password of a configured user and issues tokens.
func (a *AuthService) Login(ctx context.Context, username, password, ipAddress string) (*TokenPair, error) {
	now := a.jwtHandler.now()

	a.mu.Lock()
	st := a.logins[username]
	if st != nil && now.Before(st.lockedUntil) {
		until := st.lockedUntil
		a.mu.Unlock()
		a.logAuthEvent("user_login_failed", username, ipAddress, false, "account locked")
		return nil, fmt.Errorf("%w until %s", ErrAccountLocked, until.Format(time.RFC3339))
	}
	a.mu.Unlock()

	user, ok := a.users[username]
	if !ok {
		a.logAuthEvent("user_login_failed", username, ipAddress, false, "user not found")
		return nil, ErrInvalidCredentials
	}

	valid, err := a.passwordHasher.VerifyPassword(password, user.PasswordHash)
	if err != nil || !valid {
		a.recordFailure(username, now)
		a.logAuthEvent("user_login_failed", username, ipAddress, false, "invalid password")
		return nil, ErrInvalidCredentials
	}

	a.mu.Lock()
	delete(a.logins, username)
	a.mu.Unlock()

	pair, err := a.issue(username, roleOf(user.Role))
	if err != nil {
		return nil, err
	}
	a.logAuthEvent("user_login_success", username, ipAddress, true, "")
	return pair, nil
}

func (a *AuthService) recordFailure(username string, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.logins[username]
	if st == nil {
		st = &loginState{}
		a.logins[username] = st
	}
	st.failed++
	if st.failed >= maxFailedLogins {
		st.lockedUntil = now.Add(lockoutDuration)
		st.failed = 0
	}
}

func (a *AuthService) issue(username, role string) (*TokenPair, error) {
	access, expires, err := a.jwtHandler.GenerateAccessToken(username, role)
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}
	refresh, err := a.jwtHandler.GenerateRefreshToken()
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.refresh[HashAPIKey(refresh)] = refreshEntry{
		username:  username,
		expiresAt: a.jwtHandler.now().Add(a.jwtHandler.refreshTokenTTL),
	}
	a.mu.Unlock()

	return &TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresAt: expires}, nil
}

// Refresh rotates a refresh token and issues a new access token.
func (a *AuthService) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	hash := HashAPIKey(refreshToken)

	a.mu.Lock()
	entry, ok := a.refresh[hash]
	delete(a.refresh, hash)
	a.mu.Unlock()

	if !ok || a.jwtHandler.now().After(entry.expiresAt) {
		return nil, fmt.Errorf("invalid refresh token: %w", ErrInvalidToken)
	}
	user, ok := a.users[entry.username]
	if !ok {
		return nil, fmt.Errorf("user %s no longer exists: %w", entry.username, ErrInvalidToken)
	}
	return a.issue(user.Username, roleOf(user.Role))
}

// Revoke forgets a refresh token.
func (a *AuthService) Revoke(ctx context.Context, refreshToken string) {
	a.mu.Lock()
	delete(a.refresh, HashAPIKey(refreshToken))
	a.mu.Unlock()
}

// Authenticate accepts a JWT access token or an API key.
func (a *AuthService) Authenticate(ctx context.Context, token, ipAddress string) (*Identity, error) {
	if IsAPIKey(token) {
		return a.authenticateAPIKey(token, ipAddress)
	}
	claims, err := a.jwtHandler.ValidateAccessToken(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return &Identity{
		Username:    claims.Username,
		Role:        claims.Role,
		Permissions: RoleToPermissions(claims.Role),
	}, nil
}

func (a *AuthService) authenticateAPIKey(token, ipAddress string) (*Identity, error) {
	hash := HashAPIKey(token)
	for stored, key := range a.apiKeys {
		if subtle.ConstantTimeCompare([]byte(stored), []byte(hash)) == 1 {
			a.logAuthEvent("api_key_success", key.Name, ipAddress, true, "")
			role := roleOf(key.Role)
			return &Identity{Username: key.Name, Role: role, Permissions: RoleToPermissions(role)}, nil
		}
	}
	a.logAuthEvent("api_key_failed", "", ipAddress, false, "key not found")
	return nil, ErrInvalidToken
}

func roleOf(role string) string {
	if role == "" {
		return string(PermOperator)
	}
	return role
}

// RoleToPermissions expands a role into the permissions it holds.
func RoleToPermissions(role string) []Permission {
	switch role {
	case "admin":
		return []Permission{PermOperator, PermTechnician, PermAdmin}
	case "technician":
		return []Permission{PermOperator, PermTechnician}
	default:
		return []Permission{PermOperator}
	}
}

func (a *AuthService) logAuthEvent(eventType, subject, ip string, success bool, reason string) {
	fields := []zap.Field{
		zap.String("event", eventType),
		zap.String("subject", subject),
		zap.String("ip", ip),
	}
	if success {
		a.logger.Info("Auth event", fields...)
		return
	}
	a.logger.Warn("Auth event", append(fields, zap.String("reason", reason))...)
}
