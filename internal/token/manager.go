package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bizflowhq/sync-core/internal/cache"
	"github.com/bizflowhq/sync-core/internal/classify"
)

// DefaultRefreshSkew refreshes tokens slightly before their stated
// expiry so in-flight provider calls never race the deadline.
const DefaultRefreshSkew = 2 * time.Minute

// cachedToken is what the manager keeps in the cache: plaintext access
// token plus its expiry. Process-local only, never persisted.
type cachedToken struct {
	accessToken string
	expiry      time.Time
}

// Manager hands out valid provider access tokens, refreshing them
// proactively when the cached expiry has passed and opportunistically
// when a caller reports an auth-shaped failure.
type Manager struct {
	store     Store
	refresher RefreshClient
	cipher    Cipher
	cache     *cache.Cache
	logger    *slog.Logger
	skew      time.Duration
	cacheTTL  time.Duration
	now       func() time.Time
}

// Config wires a Manager.
type Config struct {
	Store     Store
	Refresher RefreshClient
	Cipher    Cipher
	Cache     *cache.Cache
	Logger    *slog.Logger
	Skew      time.Duration
	CacheTTL  time.Duration
}

// NewManager creates a Manager.
func NewManager(cfg Config) *Manager {
	skew := cfg.Skew
	if skew <= 0 {
		skew = DefaultRefreshSkew
	}
	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &Manager{
		store:     cfg.Store,
		refresher: cfg.Refresher,
		cipher:    cfg.Cipher,
		cache:     cfg.Cache,
		logger:    cfg.Logger,
		skew:      skew,
		cacheTTL:  cacheTTL,
		now:       time.Now,
	}
}

func cacheKey(userID, provider, service string) string {
	return fmt.Sprintf("token:%s:%s:%s", userID, provider, service)
}

// AccessToken returns a decrypted access token that is valid for at
// least the refresh skew. Expired or near-expiry credentials are
// refreshed before being returned.
func (m *Manager) AccessToken(ctx context.Context, userID, provider, service string) (string, error) {
	key := cacheKey(userID, provider, service)

	value, err := m.cache.Get(ctx, key, m.cacheTTL, func(ctx context.Context) (any, error) {
		return m.loadToken(ctx, userID, provider, service)
	})
	if err != nil {
		return "", err
	}

	tok, ok := value.(cachedToken)
	if !ok {
		return "", fmt.Errorf("unexpected cache entry type for %s", key)
	}

	if tok.expiry.After(m.now().Add(m.skew)) {
		return tok.accessToken, nil
	}

	return m.Refresh(ctx, userID, provider, service)
}

// Refresh exchanges the stored refresh token for a new credential
// triple, persists it encrypted and returns the new access token. An
// invalid_grant response surfaces as ErrReauthRequired; other failures
// keep their shape for the classifier.
func (m *Manager) Refresh(ctx context.Context, userID, provider, service string) (string, error) {
	integ, err := m.store.Get(ctx, userID, provider, service)
	if err != nil {
		return "", err
	}

	refreshToken, err := m.cipher.Decrypt(integ.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	resp, err := m.refresher.Refresh(ctx, provider, refreshToken)
	if err != nil {
		if isInvalidGrant(err) {
			m.logger.Warn("refresh token rejected, re-authorization required",
				slog.String("user_id", userID),
				slog.String("provider", provider),
				slog.String("service", service),
			)
			return "", fmt.Errorf("%w: %s", ErrReauthRequired, err.Error())
		}
		cls := classify.Classify(err)
		m.logger.Error("token refresh failed",
			slog.String("user_id", userID),
			slog.String("provider", provider),
			slog.String("category", string(cls.Category)),
		)
		return "", fmt.Errorf("token refresh failed (%s): %w", cls.Category, err)
	}

	encryptedAccess, err := m.cipher.Encrypt(resp.AccessToken)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt access token: %w", err)
	}

	// Providers may omit the refresh token when the old one stays valid.
	newRefresh := resp.RefreshToken
	encryptedRefresh := integ.RefreshToken
	if newRefresh != "" {
		encryptedRefresh, err = m.cipher.Encrypt(newRefresh)
		if err != nil {
			return "", fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
	}

	if err := m.store.UpdateTokens(ctx, userID, provider, service, encryptedAccess, encryptedRefresh, resp.ExpiryDate); err != nil {
		return "", err
	}

	m.cache.Set(cacheKey(userID, provider, service), cachedToken{
		accessToken: resp.AccessToken,
		expiry:      resp.ExpiryDate,
	}, m.cacheTTL)

	m.logger.Info("provider token refreshed",
		slog.String("user_id", userID),
		slog.String("provider", provider),
		slog.String("service", service),
		slog.Time("expiry", resp.ExpiryDate),
	)

	return resp.AccessToken, nil
}

// Invalidate drops any cached token for the user's integrations.
func (m *Manager) Invalidate(userID string) {
	m.cache.DeletePattern("token:" + userID + ":*")
}

func (m *Manager) loadToken(ctx context.Context, userID, provider, service string) (any, error) {
	integ, err := m.store.Get(ctx, userID, provider, service)
	if err != nil {
		return nil, err
	}

	access, err := m.cipher.Decrypt(integ.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}

	return cachedToken{accessToken: access, expiry: integ.ExpiryDate}, nil
}

func isInvalidGrant(err error) bool {
	var httpErr *classify.HTTPError
	if errors.As(err, &httpErr) && httpErr.Code == "invalid_grant" {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "invalid_grant")
}
