package auth

import (
	"context"
	"time"
)

// Queries is the record-access surface used by the auth core. Finders return
// ErrNotFound when no row matches; inserts return ErrConflict on a duplicate
// email.
type Queries interface {
	InsertUser(ctx context.Context, u *UserRecord) error
	FindUserByEmail(ctx context.Context, email string) (*UserRecord, error)
	FindUserByID(ctx context.Context, id string) (*UserRecord, error)
	// LockUserByID reads the row and holds it against concurrent deletion
	// until the surrounding transaction ends.
	LockUserByID(ctx context.Context, id string) (*UserRecord, error)
	ListUsers(ctx context.Context) ([]*UserRecord, error)
	// UpdateUser returns the number of rows affected.
	UpdateUser(ctx context.Context, id string, fields UserFields) (int64, error)
	DeleteUser(ctx context.Context, id string) (int64, error)

	InsertTeamMembership(ctx context.Context, memberID string, teamID int64) error
	InsertTeamRole(ctx context.Context, memberID string, roleID int64) error
	FindRoleName(ctx context.Context, roleID int64) (string, error)

	InsertTokenEntry(ctx context.Context, e *TokenEntry) error
	FindTokenEntryByAccess(ctx context.Context, userID, accessHash string) (*TokenEntry, error)
	FindTokenEntryByRefresh(ctx context.Context, refreshHash string) (*TokenEntry, error)
	UpdateTokenEntryAccess(ctx context.Context, entryID, accessHash string, accessExpiresAt time.Time) (int64, error)
	DeleteTokenEntriesForUser(ctx context.Context, userID string) (int64, error)
	DeleteExpiredTokenEntries(ctx context.Context, now time.Time) (int64, error)
}

// Store adds transactional scope to Queries. WithTx commits when fn returns
// nil and rolls back otherwise; the handle is released on every path.
type Store interface {
	Queries
	WithTx(ctx context.Context, fn func(q Queries) error) error
	Ping(ctx context.Context) error
}
