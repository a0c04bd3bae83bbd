package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// codeUniqueViolation is SQLSTATE unique_violation.
const codeUniqueViolation = "23505"

// isUniqueViolation reports whether err is a unique constraint violation, such
// as a second open attempt for the same target.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}
