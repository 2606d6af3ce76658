package calsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// AccessTokenProvider hands adapters a usable bearer token for a connection,
// refreshing the credential when it is about to expire.
type AccessTokenProvider interface {
	AccessToken(ctx context.Context, conn Connection) (string, error)
}

// TokenManager refreshes OAuth credentials through golang.org/x/oauth2.
// Refresh is serialized per connection and the new token is committed to the
// store before use, so two concurrent jobs cannot clobber each other's token
// with a stale value.
type TokenManager struct {
	conns   ConnectionStore
	configs map[string]*oauth2.Config
	leeway  time.Duration
	now     func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewTokenManager(conns ConnectionStore, configs map[string]*oauth2.Config) *TokenManager {
	return &TokenManager{
		conns:   conns,
		configs: configs,
		leeway:  30 * time.Second,
		now:     time.Now,
		locks:   map[string]*sync.Mutex{},
	}
}

func (m *TokenManager) AccessToken(ctx context.Context, conn Connection) (string, error) {
	if m.fresh(conn) {
		return conn.AccessToken, nil
	}

	lock := m.connLock(conn.ID)
	lock.Lock()
	defer lock.Unlock()

	// Another job may have refreshed while this one waited on the lock.
	latest, err := m.conns.GetConnection(ctx, conn.ID)
	if err != nil {
		return "", err
	}
	if m.fresh(latest) {
		return latest.AccessToken, nil
	}

	cfg, ok := m.configs[latest.Provider]
	if !ok {
		return "", fmt.Errorf("%w: no oauth config for provider %s", ErrInvalidInput, latest.Provider)
	}
	if strings.TrimSpace(latest.RefreshToken) == "" {
		return "", fmt.Errorf("connection %s has no refresh token: %w", latest.ID, ErrAuthRevoked)
	}

	source := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: latest.RefreshToken})
	token, err := source.Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && refreshRejected(rerr) {
			return "", fmt.Errorf("refresh rejected for connection %s: %w", latest.ID, ErrAuthRevoked)
		}
		return "", err
	}

	latest.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		latest.RefreshToken = token.RefreshToken
	}
	latest.TokenExpiry = token.Expiry
	if err := m.conns.SaveConnection(ctx, latest); err != nil {
		return "", err
	}
	return latest.AccessToken, nil
}

func (m *TokenManager) fresh(conn Connection) bool {
	if strings.TrimSpace(conn.AccessToken) == "" {
		return false
	}
	if conn.TokenExpiry.IsZero() {
		return true
	}
	return conn.TokenExpiry.After(m.now().Add(m.leeway))
}

func refreshRejected(err *oauth2.RetrieveError) bool {
	if err.ErrorCode == "invalid_grant" {
		return true
	}
	if err.Response != nil {
		code := err.Response.StatusCode
		return code == 400 || code == 401 || code == 403
	}
	return false
}

func (m *TokenManager) connLock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[id] = lock
	}
	return lock
}
