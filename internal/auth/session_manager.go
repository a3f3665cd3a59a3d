package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/omnistudio/backend/internal/models"
)

const tokenIssuer = "omnistudio"

var (
	// ErrSessionNotFound indicates the provided refresh token does not map to an active session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrRefreshTokenExpired indicates the refresh token has expired and cannot be used.
	ErrRefreshTokenExpired = errors.New("refresh token expired")
	// ErrInvalidAccessToken indicates an access token failed verification.
	ErrInvalidAccessToken = errors.New("invalid access token")
)

// SessionStore persists issued refresh tokens so they can survive process restarts.
type SessionStore interface {
	Save(ctx context.Context, session Session) error
	Find(ctx context.Context, refreshToken string) (Session, error)
	Delete(ctx context.Context, refreshToken string) error
	DeleteForUser(ctx context.Context, userID string) error
}

// Session represents a refresh token issued to a user.
type Session struct {
	RefreshToken string
	UserID       string
	ExpiresAt    time.Time
}

// Identity is the subject of a session.
type Identity struct {
	UserID  string
	IsAdmin bool
}

// Claims are the verified contents of an access token.
type Claims struct {
	Admin bool `json:"adm,omitempty"`
	jwt.RegisteredClaims
}

// IdentityResolver reloads the current identity of a user when a refresh token is redeemed,
// so admin rights granted or revoked since login take effect.
type IdentityResolver func(ctx context.Context, userID string) (Identity, error)

// Manager manages the lifecycle of issued session tokens backed by a persistent store.
type Manager struct {
	accessTTL  time.Duration
	refreshTTL time.Duration
	secret     []byte
	resolve    IdentityResolver
	now        func() time.Time

	store SessionStore
}

// NewManager constructs a Manager that signs HS256 access tokens with secret and persists
// refresh tokens in store.
func NewManager(secret string, accessTTL, refreshTTL time.Duration, store SessionStore, resolve IdentityResolver) *Manager {
	if store == nil {
		panic("auth: session store must not be nil")
	}
	if strings.TrimSpace(secret) == "" {
		panic("auth: signing secret must not be empty")
	}
	if resolve == nil {
		resolve = func(_ context.Context, userID string) (Identity, error) {
			return Identity{UserID: userID}, nil
		}
	}
	return &Manager{
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		secret:     []byte(secret),
		resolve:    resolve,
		now:        func() time.Time { return time.Now().UTC() },
		store:      store,
	}
}

// Issue creates a new pair of access and refresh tokens for the provided identity.
func (m *Manager) Issue(ctx context.Context, id Identity) (models.SessionTokens, error) {
	if id.UserID == "" {
		return models.SessionTokens{}, errors.New("user id must be provided")
	}

	now := m.now()
	accessExpires := now.Add(m.accessTTL)
	claims := Claims{
		Admin: id.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExpires),
		},
	}
	accessToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return models.SessionTokens{}, fmt.Errorf("sign access token: %w", err)
	}

	refreshToken, err := randomToken()
	if err != nil {
		return models.SessionTokens{}, err
	}

	tokens := models.SessionTokens{
		AccessToken:      accessToken,
		AccessExpiresAt:  accessExpires,
		RefreshToken:     refreshToken,
		RefreshExpiresAt: now.Add(m.refreshTTL),
	}

	if err := m.store.Save(ctx, Session{
		RefreshToken: refreshToken,
		UserID:       id.UserID,
		ExpiresAt:    tokens.RefreshExpiresAt,
	}); err != nil {
		return models.SessionTokens{}, err
	}

	return tokens, nil
}

// Refresh exchanges a refresh token for a new session token pair.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (models.SessionTokens, error) {
	if refreshToken == "" {
		return models.SessionTokens{}, ErrSessionNotFound
	}

	session, err := m.store.Find(ctx, refreshToken)
	if err != nil {
		return models.SessionTokens{}, err
	}

	if m.now().After(session.ExpiresAt) {
		_ = m.store.Delete(ctx, refreshToken)
		return models.SessionTokens{}, ErrRefreshTokenExpired
	}

	if err := m.store.Delete(ctx, refreshToken); err != nil {
		return models.SessionTokens{}, err
	}

	id, err := m.resolve(ctx, session.UserID)
	if err != nil {
		return models.SessionTokens{}, fmt.Errorf("resolve identity: %w", err)
	}

	return m.Issue(ctx, id)
}

// Revoke removes the provided refresh token from the active session store.
func (m *Manager) Revoke(ctx context.Context, refreshToken string) {
	if refreshToken == "" {
		return
	}
	_ = m.store.Delete(ctx, refreshToken)
}

// RevokeUser drops every refresh token of a user.
func (m *Manager) RevokeUser(ctx context.Context, userID string) error {
	if userID == "" {
		return nil
	}
	return m.store.DeleteForUser(ctx, userID)
}

// Verify validates an access token and returns its identity.
func (m *Manager) Verify(accessToken string) (Identity, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(accessToken, &claims, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(m.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidAccessToken, err)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidAccessToken)
	}
	return Identity{UserID: claims.Subject, IsAdmin: claims.Admin}, nil
}

func randomToken() (string, error) {
	const size = 32
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
