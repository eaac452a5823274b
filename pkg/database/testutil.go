package database

import (
	"testing"

	pgxmock "github.com/pashagolub/pgxmock/v4"
)

var _ DBTX = (pgxmock.PgxPoolIface)(nil)

// NewMockPool returns a pgxmock pool usable anywhere a DBTX is accepted,
// including WithinTransaction and the repositories. Queries are matched as
// regular expressions. The pool is closed when the test ends; asserting
// ExpectationsWereMet stays with the caller.
func NewMockPool(t testing.TB) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("create pgxmock pool: %v", err)
	}
	t.Cleanup(mock.Close)
	return mock
}
