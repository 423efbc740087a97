package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/portgate/portgate/internal/domain"
)

// CreateAPIKey inserts a new credential record. user is the caller-supplied
// owner label; ipAddress is the requesting client's IP, recorded for audit
// only (never used for authentication).
func (s *Store) CreateAPIKey(ctx context.Context, user, keyHash, ipAddress string) (domain.APIKey, error) {
	id, err := newID("k")
	if err != nil {
		return domain.APIKey{}, err
	}
	k := domain.APIKey{
		ID:        id,
		User:      user,
		KeyHash:   keyHash,
		IPAddress: ipAddress,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO api_keys(id, user, key_hash, ip_address, created_at, revoked_at)
VALUES(?, ?, ?, ?, ?, NULL)`, k.ID, k.User, k.KeyHash, nullableString(k.IPAddress), k.CreatedAt)
	return k, err
}

// ResolveAPIKeyID maps a key hash to the key's ID, skipping revoked keys.
// Returns [sql.ErrNoRows] for unknown hashes.
func (s *Store) ResolveAPIKeyID(ctx context.Context, keyHash string) (string, error) {
	var id string
	stmt := s.resolveAPIKeyIDStmt
	if stmt == nil {
		err := s.db.QueryRowContext(ctx, resolveAPIKeyIDQuery, keyHash).Scan(&id)
		return id, err
	}
	err := stmt.QueryRowContext(ctx, keyHash).Scan(&id)
	return id, err
}

// ListAPIKeys returns all credentials, newest first.
func (s *Store) ListAPIKeys(ctx context.Context) ([]domain.APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user, key_hash, ip_address, created_at, revoked_at
FROM api_keys
ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.APIKey
	for rows.Next() {
		var k domain.APIKey
		var ip sql.NullString
		var revoked sql.NullTime
		if err := rows.Scan(&k.ID, &k.User, &k.KeyHash, &ip, &k.CreatedAt, &revoked); err != nil {
			return nil, err
		}
		k.IPAddress = ip.String
		if revoked.Valid {
			t := revoked.Time
			k.RevokedAt = &t
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// RevokeAPIKey marks a credential revoked. Returns [sql.ErrNoRows] when the
// ID is unknown or already revoked.
func (s *Store) RevokeAPIKey(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE api_keys SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
