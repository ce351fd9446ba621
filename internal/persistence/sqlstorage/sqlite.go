package sqlstorage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	p "github.com/snowflk/commitdb/internal/persistence"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const sqliteBusyTimeout = 5000

type sqliteConn struct {
	sqlConn
}

func newSQLiteConn(db *sql.DB) *sqliteConn {
	return &sqliteConn{sqlConn{conn: db, rebind: noRebind}}
}

// sqliteDSN sets the pragmas on every pooled connection. Writers wait for the lock instead
// of failing with SQLITE_BUSY.
func sqliteDSN(opts Options) string {
	if opts.DSN != "" {
		return opts.DSN
	}
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)",
		opts.Path, sqliteBusyTimeout)
}

func (c *sqliteConn) initCommitTbl(ctx context.Context) error {
	return c.execAll(ctx, `
			CREATE TABLE IF NOT EXISTS commits
			(
				checkpoint_number    INTEGER NOT NULL PRIMARY KEY,
				bucket_id            TEXT    NOT NULL,
				stream_id            TEXT    NOT NULL,
				stream_revision_from INTEGER NOT NULL,
				stream_revision_to   INTEGER NOT NULL,
				commit_id            TEXT    NOT NULL,
				commit_stamp         INTEGER NOT NULL,
				commit_sequence      INTEGER NOT NULL,
				events               BLOB    NOT NULL,
				headers              BLOB
			);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS commits_logical_key ON commits(bucket_id, stream_id, commit_sequence) WHERE bucket_id <> ':rb';`,
		`CREATE INDEX IF NOT EXISTS commits_commit_id ON commits(bucket_id, stream_id, commit_id);`,
		`CREATE INDEX IF NOT EXISTS commits_stamp ON commits(bucket_id, commit_stamp);`,
	)
}

func (c *sqliteConn) initStreamHeadTbl(ctx context.Context) error {
	return c.execAll(ctx, `
			CREATE TABLE IF NOT EXISTS stream_heads
			(
				bucket_id         TEXT    NOT NULL,
				stream_id         TEXT    NOT NULL,
				head_revision     INTEGER NOT NULL,
				snapshot_revision INTEGER NOT NULL DEFAULT 0,
				unsnapshotted     INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (bucket_id, stream_id)
			);`,
		`CREATE INDEX IF NOT EXISTS stream_heads_unsnapshotted ON stream_heads(bucket_id, unsnapshotted);`,
	)
}

func (c *sqliteConn) initSnapshotTbl(ctx context.Context) error {
	return c.execAll(ctx, `
			CREATE TABLE IF NOT EXISTS snapshots
			(
				bucket_id       TEXT    NOT NULL,
				stream_id       TEXT    NOT NULL,
				stream_revision INTEGER NOT NULL,
				payload         BLOB    NOT NULL,
				PRIMARY KEY (bucket_id, stream_id, stream_revision)
			);`,
	)
}

func (c *sqliteConn) dropAll(ctx context.Context) error {
	return c.execAll(ctx,
		"DROP TABLE IF EXISTS commits;",
		"DROP TABLE IF EXISTS stream_heads;",
		"DROP TABLE IF EXISTS snapshots;",
	)
}

func (c *sqliteConn) upsertStreamHeadQuery() string {
	return `INSERT INTO stream_heads(bucket_id, stream_id, head_revision, snapshot_revision, unsnapshotted)
			VALUES(?, ?, ?, 0, ?)
			ON CONFLICT (bucket_id, stream_id) DO UPDATE SET
				head_revision = MAX(stream_heads.head_revision, excluded.head_revision),
				unsnapshotted = MAX(stream_heads.head_revision, excluded.head_revision) - stream_heads.snapshot_revision;`
}

func (c *sqliteConn) updateStreamHeadSnapshotQuery() string {
	return `INSERT INTO stream_heads(bucket_id, stream_id, head_revision, snapshot_revision, unsnapshotted)
			VALUES(?, ?, ?, ?, 0)
			ON CONFLICT (bucket_id, stream_id) DO UPDATE SET
				snapshot_revision = MAX(stream_heads.snapshot_revision, excluded.snapshot_revision),
				head_revision = MAX(stream_heads.head_revision, excluded.head_revision),
				unsnapshotted = MAX(stream_heads.head_revision, excluded.head_revision) -
					MAX(stream_heads.snapshot_revision, excluded.snapshot_revision);`
}

func (c *sqliteConn) upsertSnapshotQuery() string {
	return `INSERT INTO snapshots(bucket_id, stream_id, stream_revision, payload) VALUES(?, ?, ?, ?)
			ON CONFLICT (bucket_id, stream_id, stream_revision) DO UPDATE SET payload = excluded.payload;`
}

// duplicateKey maps a constraint failure to the index. SQLite names the columns, not the
// index, in "UNIQUE constraint failed: commits.checkpoint_number".
func (c *sqliteConn) duplicateKey(err error) (string, bool) {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) || sqliteErr.Code()&0xff != sqlite3.SQLITE_CONSTRAINT {
		return "", false
	}
	msg := sqliteErr.Error()
	switch {
	case sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, strings.Contains(msg, "commits.checkpoint_number"):
		return p.CheckpointIndex, true
	case strings.Contains(msg, "commits.commit_sequence"):
		return p.LogicalKeyIndex, true
	case strings.Contains(msg, "UNIQUE"):
		return msg, true
	}
	return "", false
}
