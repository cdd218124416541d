package sqlc

import (
	"context"
)

type InsertAccessTokenIfAbsentParams struct {
	TokenID         string
	TokenHash       string
	OwnerID         string
	Name            string
	IsAdmin         int64
	CreatedAtUnixMs int64
}

// InsertAccessTokenIfAbsent inserts a token row unless its id or hash is
// already taken; zero affected rows signals the caller to retry with fresh
// randomness.
func (q *Queries) InsertAccessTokenIfAbsent(ctx context.Context, arg InsertAccessTokenIfAbsentParams) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
INSERT OR IGNORE INTO access_tokens (token_id, token_hash, owner_id, name, is_admin, created_at_unix_ms)
VALUES (?, ?, ?, ?, ?, ?)`,
		arg.TokenID, arg.TokenHash, arg.OwnerID, arg.Name, arg.IsAdmin, arg.CreatedAtUnixMs)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const accessTokenColumns = `SELECT token_id, token_hash, owner_id, name, is_admin, created_at_unix_ms`

func (q *Queries) GetAccessTokenByHash(ctx context.Context, tokenHash string) (AccessToken, error) {
	row := q.db.QueryRowContext(ctx, accessTokenColumns+` FROM access_tokens WHERE token_hash = ?`, tokenHash)
	var t AccessToken
	err := row.Scan(&t.TokenID, &t.TokenHash, &t.OwnerID, &t.Name, &t.IsAdmin, &t.CreatedAtUnixMs)
	return t, err
}

func (q *Queries) ListAccessTokensByOwner(ctx context.Context, ownerID string) ([]AccessToken, error) {
	rows, err := q.db.QueryContext(ctx,
		accessTokenColumns+` FROM access_tokens WHERE owner_id = ? ORDER BY created_at_unix_ms ASC, token_id ASC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AccessToken
	for rows.Next() {
		var t AccessToken
		if err := rows.Scan(&t.TokenID, &t.TokenHash, &t.OwnerID, &t.Name, &t.IsAdmin, &t.CreatedAtUnixMs); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (q *Queries) CountAdminAccessTokens(ctx context.Context) (int64, error) {
	var count int64
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM access_tokens WHERE is_admin = 1`).Scan(&count)
	return count, err
}

func (q *Queries) DeleteAccessTokenByID(ctx context.Context, tokenID string) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM access_tokens WHERE token_id = ?`, tokenID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type DeleteAccessTokenByIDAndOwnerParams struct {
	TokenID string
	OwnerID string
}

func (q *Queries) DeleteAccessTokenByIDAndOwner(ctx context.Context, arg DeleteAccessTokenByIDAndOwnerParams) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM access_tokens WHERE token_id = ? AND owner_id = ?`, arg.TokenID, arg.OwnerID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
