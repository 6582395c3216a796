package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"socializer/internal/clock"
)

// UpsertAccount registers or updates an account and its sticky proxy binding.
func (s *Store) UpsertAccount(ctx context.Context, a Account) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts(id, platform, username, proxy_id, active, created_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   platform = excluded.platform,
		   username = excluded.username,
		   proxy_id = excluded.proxy_id,
		   active   = excluded.active`,
		a.ID, string(a.Platform), a.Username, nullStr(a.ProxyID), boolInt(a.Active), a.CreatedAt.UnixMilli())
	return err
}

func (s *Store) GetAccount(ctx context.Context, id string) (Account, error) {
	var (
		a        Account
		platform string
		proxy    sql.NullString
		active   int
		created  int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, platform, username, proxy_id, active, created_at FROM accounts WHERE id = ?`, id).
		Scan(&a.ID, &platform, &a.Username, &proxy, &active, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Account{}, err
	}
	a.Platform = Platform(platform)
	a.ProxyID = proxy.String
	a.Active = active != 0
	a.CreatedAt = clock.FromMilli(created)
	return a, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, platform, username, proxy_id, active, created_at FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		var (
			a        Account
			platform string
			proxy    sql.NullString
			active   int
			created  int64
		)
		if err := rows.Scan(&a.ID, &platform, &a.Username, &proxy, &active, &created); err != nil {
			return nil, err
		}
		a.Platform = Platform(platform)
		a.ProxyID = proxy.String
		a.Active = active != 0
		a.CreatedAt = clock.FromMilli(created)
		out = append(out, a)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
