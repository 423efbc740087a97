package sqlite

import (
	"context"
	"database/sql"

	"github.com/portgate/portgate/internal/domain"
)

// CreateTunnel persists a tunnel record. The caller (the lifecycle
// controller) owns ID generation and port allocation.
func (s *Store) CreateTunnel(ctx context.Context, t domain.Tunnel) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO tunnels(id, local_port, public_port, api_key, created_at)
VALUES(?, ?, ?, ?, ?)`, t.ID, t.LocalPort, t.PublicPort, t.APIKeyID, t.CreatedAt)
	return err
}

// GetTunnel returns the persisted record for id, [sql.ErrNoRows] if absent.
func (s *Store) GetTunnel(ctx context.Context, id string) (domain.Tunnel, error) {
	var t domain.Tunnel
	stmt := s.getTunnelStmt
	var err error
	if stmt == nil {
		err = s.db.QueryRowContext(ctx, getTunnelQuery, id).Scan(&t.ID, &t.LocalPort, &t.PublicPort, &t.APIKeyID, &t.CreatedAt)
	} else {
		err = stmt.QueryRowContext(ctx, id).Scan(&t.ID, &t.LocalPort, &t.PublicPort, &t.APIKeyID, &t.CreatedAt)
	}
	return t, err
}

// DeleteTunnel removes the persisted record. Returns [sql.ErrNoRows] when
// the ID is unknown, so a double stop never reports a phantom success.
func (s *Store) DeleteTunnel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tunnels WHERE id = ?`, id)
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

// ListTunnels returns all persisted tunnel records.
func (s *Store) ListTunnels(ctx context.Context) ([]domain.Tunnel, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, local_port, public_port, api_key, created_at
FROM tunnels
ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Tunnel
	for rows.Next() {
		var t domain.Tunnel
		if err := rows.Scan(&t.ID, &t.LocalPort, &t.PublicPort, &t.APIKeyID, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// PurgeTunnels deletes every persisted tunnel record and returns how many
// were removed. Called once at startup: listeners do not survive a process
// restart, so rows left by a previous run point at dead forwarding and
// must not outlive it.
func (s *Store) PurgeTunnels(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tunnels`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
