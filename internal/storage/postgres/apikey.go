package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/settle/internal/domain/auth"
)

var _ auth.Repository = (*APIKeyRepository)(nil)

// APIKeyRepository implements auth.Repository backed by PostgreSQL.
type APIKeyRepository struct {
	db *DB
}

// NewAPIKeyRepository returns an APIKeyRepository using the given DB.
func NewAPIKeyRepository(db *DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

func (r *APIKeyRepository) FindByHash(ctx context.Context, hash string) (*auth.Key, error) {
	var key auth.Key
	err := r.db.q(ctx).QueryRow(ctx,
		`SELECT key_hash, organization_id, member_id, name FROM api_keys WHERE key_hash = $1`,
		hash,
	).Scan(&key.KeyHash, &key.OrganizationID, &key.MemberID, &key.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "find api key")
	}
	return &key, nil
}
