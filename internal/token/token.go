// Package token stores, decrypts and refreshes provider OAuth
// credentials. Tokens are encrypted at rest; plaintext never reaches
// the database or the logs.
package token

import (
	"context"
	"errors"
	"time"
)

// Integration is a stored credential pair for one provider/service
// combination. AccessToken and RefreshToken hold ciphertext.
type Integration struct {
	UserID       string    `db:"user_id"`
	Provider     string    `db:"provider"`
	Service      string    `db:"service"`
	AccessToken  string    `db:"access_token"`
	RefreshToken string    `db:"refresh_token"`
	ExpiryDate   time.Time `db:"expiry_date"`
}

// TokenResponse is what a provider returns from a refresh call. An
// empty RefreshToken means the provider kept the old one valid.
type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	ExpiryDate   time.Time
}

// Store persists integrations. Refresh mutates only the token and
// expiry columns, never the identity columns.
type Store interface {
	Get(ctx context.Context, userID, provider, service string) (*Integration, error)
	UpdateTokens(ctx context.Context, userID, provider, service, accessToken, refreshToken string, expiry time.Time) error
}

// RefreshClient exchanges a refresh token for a new credential triple.
type RefreshClient interface {
	Refresh(ctx context.Context, provider, refreshToken string) (*TokenResponse, error)
}

// Cipher encrypts and decrypts credential fields. Injected so the core
// never owns key material directly.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

var (
	// ErrIntegrationNotFound is returned when no credential record
	// exists for the requested provider/service.
	ErrIntegrationNotFound = errors.New("integration not found")

	// ErrReauthRequired is returned when the provider rejected the
	// refresh token (invalid_grant); the user must re-authorize, and
	// automatic retries must stop.
	ErrReauthRequired = errors.New("provider re-authorization required")
)
