package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"usergate.dev/internal/auth"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the PostgreSQL implementation of auth.Store.
type Store struct {
	queries
	db *sql.DB
}

var _ auth.Store = (*Store)(nil)

// Open connects through the pgx stdlib driver.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db), nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store {
	return &Store{queries: queries{db: db}, db: db}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	return s.db.PingContext(ctx)
}

// WithTx runs fn in a read-committed transaction.
func (s *Store) WithTx(ctx context.Context, fn func(q auth.Queries) error) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(queries{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type queries struct {
	db dbtx
}

const userColumns = `id, name, email, age, mobile, password_hash, role_id, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*auth.UserRecord, error) {
	var (
		u      auth.UserRecord
		age    sql.NullInt32
		mobile sql.NullString
	)
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &age, &mobile, &u.PasswordHash, &u.RoleID, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	if age.Valid {
		v := int(age.Int32)
		u.Age = &v
	}
	if mobile.Valid {
		v := mobile.String
		u.Mobile = &v
	}
	return &u, nil
}

func (q queries) InsertUser(ctx context.Context, u *auth.UserRecord) error {
	_, err := q.db.ExecContext(ctx, `
		insert into users (id, name, email, age, mobile, password_hash, role_id, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, u.ID, u.Name, u.Email, nullInt(u.Age), nullString(u.Mobile), u.PasswordHash, u.RoleID, u.CreatedAt, u.UpdatedAt)
	return mapWriteError(err)
}

func (q queries) FindUserByEmail(ctx context.Context, email string) (*auth.UserRecord, error) {
	u, err := scanUser(q.db.QueryRowContext(ctx, `select `+userColumns+` from users where email = $1`, email))
	return u, mapReadError(err)
}

func (q queries) FindUserByID(ctx context.Context, id string) (*auth.UserRecord, error) {
	u, err := scanUser(q.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id))
	return u, mapReadError(err)
}

func (q queries) LockUserByID(ctx context.Context, id string) (*auth.UserRecord, error) {
	u, err := scanUser(q.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1 for share`, id))
	return u, mapReadError(err)
}

func (q queries) ListUsers(ctx context.Context) ([]*auth.UserRecord, error) {
	rows, err := q.db.QueryContext(ctx, `select `+userColumns+` from users order by id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*auth.UserRecord
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (q queries) UpdateUser(ctx context.Context, id string, f auth.UserFields) (int64, error) {
	query, args := buildUserUpdate(id, f)
	if query == "" {
		return 0, nil
	}
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, mapWriteError(err)
	}
	return res.RowsAffected()
}

func (q queries) DeleteUser(ctx context.Context, id string) (int64, error) {
	res, err := q.db.ExecContext(ctx, `delete from users where id = $1`, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q queries) InsertTeamMembership(ctx context.Context, memberID string, teamID int64) error {
	_, err := q.db.ExecContext(ctx, `insert into teams_members (member_id, team_id) values ($1, $2)`, memberID, teamID)
	return mapWriteError(err)
}

func (q queries) InsertTeamRole(ctx context.Context, memberID string, roleID int64) error {
	_, err := q.db.ExecContext(ctx, `insert into teams_roles (member_id, role_id) values ($1, $2)`, memberID, roleID)
	return mapWriteError(err)
}

func (q queries) FindRoleName(ctx context.Context, roleID int64) (string, error) {
	var name string
	err := q.db.QueryRowContext(ctx, `select role_name from roles where role_id = $1`, roleID).Scan(&name)
	return name, mapReadError(err)
}
