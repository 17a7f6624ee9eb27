package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresDirectory struct {
	pool *pgxpool.Pool
}

func NewPostgresDirectory(pool *pgxpool.Pool) *PostgresDirectory {
	return &PostgresDirectory{pool: pool}
}

func (d *PostgresDirectory) Lookup(ctx context.Context, resourceID string) (Handle, error) {
	var h Handle
	err := d.pool.QueryRow(ctx,
		`SELECT id, COALESCE(addr, ''), project, zone, instance_name,
		        COALESCE(owner_principal_id, ''), COALESCE(owner_org_id, '')
		 FROM resources WHERE id = $1`, resourceID).
		Scan(&h.ID, &h.Addr, &h.Project, &h.Zone, &h.Instance, &h.OwnerPrincipalID, &h.OwnerOrgID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Handle{}, ErrNotFound
	}
	if err != nil {
		return Handle{}, fmt.Errorf("query resource %s: %w", resourceID, err)
	}
	return h, nil
}

func (d *PostgresDirectory) Authorized(ctx context.Context, h Handle, principalID string) (bool, error) {
	if h.OwnerPrincipalID != "" {
		return h.OwnerPrincipalID == principalID, nil
	}
	if h.OwnerOrgID == "" {
		return false, nil
	}

	var member bool
	err := d.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM org_members WHERE org_id = $1 AND principal_id = $2)`,
		h.OwnerOrgID, principalID).Scan(&member)
	if err != nil {
		return false, fmt.Errorf("query org membership: %w", err)
	}
	return member, nil
}
