package pg

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"usergate.dev/internal/auth"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func mapReadError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ErrNotFound
	}
	return err
}

// mapWriteError turns constraint violations into domain errors. Driver
// details stay in the wrapped cause for logs only.
func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return auth.ErrConflict
		case pgErrForeignKeyViolation:
			return fmt.Errorf("%w: %s", auth.ErrValidation, pgErr.ConstraintName)
		}
	}
	return err
}

func nullInt(v *int) sql.NullInt32 {
	if v == nil {
		return sql.NullInt32{}
	}
	return sql.NullInt32{Int32: int32(*v), Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	s := strings.TrimSpace(*v)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// buildUserUpdate renders one update statement for the set fields.
func buildUserUpdate(id string, f auth.UserFields) (string, []any) {
	var (
		sets []string
		args []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if f.Name != nil {
		add("name", *f.Name)
	}
	if f.Email != nil {
		add("email", *f.Email)
	}
	if f.PasswordHash != nil {
		add("password_hash", *f.PasswordHash)
	}
	if f.Age != nil {
		add("age", nullInt(f.Age))
	}
	if f.Mobile != nil {
		add("mobile", nullString(f.Mobile))
	}
	if f.RoleID != nil {
		add("role_id", *f.RoleID)
	}
	if len(sets) == 0 {
		return "", nil
	}
	if f.UpdatedAt.IsZero() {
		sets = append(sets, "updated_at = now()")
	} else {
		add("updated_at", f.UpdatedAt)
	}
	args = append(args, id)
	return fmt.Sprintf("update users set %s where id = $%d", strings.Join(sets, ", "), len(args)), args
}
