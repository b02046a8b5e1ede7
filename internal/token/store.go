package token

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, userID, provider, service string) (*Integration, error) {
	query := `
		SELECT user_id, provider, service, access_token, refresh_token, expiry_date
		FROM integrations
		WHERE user_id = $1 AND provider = $2 AND service = $3
	`

	var integ Integration
	if err := s.db.GetContext(ctx, &integ, query, userID, provider, service); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrIntegrationNotFound
		}
		return nil, fmt.Errorf("failed to get integration: %w", err)
	}

	return &integ, nil
}

func (s *PostgresStore) UpdateTokens(ctx context.Context, userID, provider, service, accessToken, refreshToken string, expiry time.Time) error {
	query := `
		UPDATE integrations
		SET access_token = $1, refresh_token = $2, expiry_date = $3
		WHERE user_id = $4 AND provider = $5 AND service = $6
	`

	res, err := s.db.ExecContext(ctx, query, accessToken, refreshToken, expiry, userID, provider, service)
	if err != nil {
		return fmt.Errorf("failed to update integration tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrIntegrationNotFound
	}

	return nil
}
