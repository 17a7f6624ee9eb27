package creds

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists each principal's durable refresh credential. Access tokens
// are never stored; only the long-lived refresh half survives the process.
type Store interface {
	// RefreshToken returns the principal's refresh credential, or "" when the
	// principal has none.
	RefreshToken(ctx context.Context, principalID string) (string, error)
	// SaveRefreshToken replaces the principal's refresh credential.
	SaveRefreshToken(ctx context.Context, principalID, token string) error
}

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) RefreshToken(ctx context.Context, principalID string) (string, error) {
	var token string
	err := s.pool.QueryRow(ctx,
		`SELECT refresh_token FROM refresh_credentials WHERE principal_id = $1`,
		principalID).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query refresh credential: %w", err)
	}
	return token, nil
}

func (s *PostgresStore) SaveRefreshToken(ctx context.Context, principalID, token string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO refresh_credentials (principal_id, refresh_token, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (principal_id) DO UPDATE SET refresh_token = EXCLUDED.refresh_token, updated_at = now()`,
		principalID, token)
	if err != nil {
		return fmt.Errorf("persist refresh credential: %w", err)
	}
	return nil
}
