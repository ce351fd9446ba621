package sqlstorage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"net"
	"strings"
	"syscall"

	"github.com/pkg/errors"
)

// dbConn hides the differences between SQL dialects. Statements are written with "?"
// placeholders and rebound by the connection.
type dbConn interface {
	initCommitTbl(ctx context.Context) error
	initStreamHeadTbl(ctx context.Context) error
	initSnapshotTbl(ctx context.Context) error
	dropAll(ctx context.Context) error

	upsertStreamHeadQuery() string
	updateStreamHeadSnapshotQuery() string
	upsertSnapshotQuery() string

	// duplicateKey returns the name of the unique index behind a duplicate key error.
	duplicateKey(err error) (string, bool)

	query(ctx context.Context, q string, args ...interface{}) (*sql.Rows, error)
	queryOne(ctx context.Context, q string, args ...interface{}) *sql.Row
	exec(ctx context.Context, q string, args ...interface{}) (int64, error)
	ping(ctx context.Context) error
}

type sqlConn struct {
	conn   *sql.DB
	rebind func(q string) string
}

func (c *sqlConn) query(ctx context.Context, q string, args ...interface{}) (*sql.Rows, error) {
	return c.conn.QueryContext(ctx, c.rebind(q), args...)
}

func (c *sqlConn) queryOne(ctx context.Context, q string, args ...interface{}) *sql.Row {
	return c.conn.QueryRowContext(ctx, c.rebind(q), args...)
}

func (c *sqlConn) exec(ctx context.Context, q string, args ...interface{}) (int64, error) {
	res, err := c.conn.ExecContext(ctx, c.rebind(q), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c *sqlConn) ping(ctx context.Context) error {
	return c.conn.PingContext(ctx)
}

func (c *sqlConn) execAll(ctx context.Context, statements ...string) error {
	for _, stmt := range statements {
		if _, err := c.exec(ctx, stmt); err != nil {
			return errors.Wrapf(err, "exec %q", firstLine(stmt))
		}
	}
	return nil
}

func noRebind(q string) string {
	return q
}

// isUnavailable tells connectivity faults apart from statement failures.
func isUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}

func firstLine(stmt string) string {
	stmt = strings.TrimSpace(stmt)
	if i := strings.IndexByte(stmt, '\n'); i >= 0 {
		return stmt[:i]
	}
	return stmt
}
