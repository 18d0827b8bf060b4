package tracker

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrForbidden marks comment mutations attempted by someone who is neither
// the comment's author nor a project admin.
var ErrForbidden = errors.New("forbidden")

// transient Postgres error codes: serialization failure and deadlock. The
// whole mutation is retried once when one of these surfaces.
var transientPgCodes = map[string]bool{
	"40001": true,
	"40P01": true,
}

func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return transientPgCodes[pgErr.Code]
	}
	return false
}
