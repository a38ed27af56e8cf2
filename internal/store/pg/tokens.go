package pg

import (
	"context"
	"time"

	"usergate.dev/internal/auth"
)

const tokenColumns = `id, user_id, access_token_hash, refresh_token_hash, access_expires_at, refresh_expires_at, created_at`

func scanTokenEntry(row scanner) (*auth.TokenEntry, error) {
	var e auth.TokenEntry
	if err := row.Scan(&e.ID, &e.UserID, &e.AccessHash, &e.RefreshHash, &e.AccessExpiresAt, &e.RefreshExpiresAt, &e.CreatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func (q queries) InsertTokenEntry(ctx context.Context, e *auth.TokenEntry) error {
	_, err := q.db.ExecContext(ctx, `
		insert into auth_tokens (`+tokenColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.UserID, e.AccessHash, e.RefreshHash, e.AccessExpiresAt, e.RefreshExpiresAt, e.CreatedAt)
	return mapWriteError(err)
}

func (q queries) FindTokenEntryByAccess(ctx context.Context, userID, accessHash string) (*auth.TokenEntry, error) {
	e, err := scanTokenEntry(q.db.QueryRowContext(ctx, `
		select `+tokenColumns+` from auth_tokens
		where user_id = $1 and access_token_hash = $2
	`, userID, accessHash))
	return e, mapReadError(err)
}

func (q queries) FindTokenEntryByRefresh(ctx context.Context, refreshHash string) (*auth.TokenEntry, error) {
	e, err := scanTokenEntry(q.db.QueryRowContext(ctx, `
		select `+tokenColumns+` from auth_tokens
		where refresh_token_hash = $1
		for update
	`, refreshHash))
	return e, mapReadError(err)
}

func (q queries) UpdateTokenEntryAccess(ctx context.Context, entryID, accessHash string, exp time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		update auth_tokens set access_token_hash = $1, access_expires_at = $2
		where id = $3
	`, accessHash, exp, entryID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q queries) DeleteTokenEntriesForUser(ctx context.Context, userID string) (int64, error) {
	res, err := q.db.ExecContext(ctx, `delete from auth_tokens where user_id = $1`, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q queries) DeleteExpiredTokenEntries(ctx context.Context, now time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, `delete from auth_tokens where refresh_expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
