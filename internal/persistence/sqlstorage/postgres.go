package sqlstorage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/pkg/errors"
)

const postgresUniqueViolation = "23505"

type postgresConn struct {
	sqlConn
}

func newPostgresConn(db *sql.DB) *postgresConn {
	return &postgresConn{sqlConn{conn: db, rebind: makeQuery}}
}

func postgresDSN(opts Options) string {
	if opts.DSN != "" {
		return opts.DSN
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		opts.Host, opts.Port, opts.User, opts.Password, opts.Database)
}

func (c *postgresConn) initCommitTbl(ctx context.Context) error {
	return c.execAll(ctx, `
			CREATE TABLE IF NOT EXISTS commits
			(
				checkpoint_number    BIGINT        NOT NULL,
				bucket_id            VARCHAR(64)   NOT NULL,
				stream_id            VARCHAR(200)  NOT NULL,
				stream_revision_from INT           NOT NULL,
				stream_revision_to   INT           NOT NULL,
				commit_id            VARCHAR(64)   NOT NULL,
				commit_stamp         BIGINT        NOT NULL,
				commit_sequence      INT           NOT NULL,
				events               BYTEA         NOT NULL,
				headers              BYTEA,
				CONSTRAINT commits_pkey PRIMARY KEY (checkpoint_number)
			);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS commits_logical_key ON commits(bucket_id, stream_id, commit_sequence) WHERE bucket_id <> ':rb';`,
		`CREATE INDEX IF NOT EXISTS commits_commit_id ON commits(bucket_id, stream_id, commit_id);`,
		`CREATE INDEX IF NOT EXISTS commits_stamp ON commits(bucket_id, commit_stamp);`,
	)
}

func (c *postgresConn) initStreamHeadTbl(ctx context.Context) error {
	return c.execAll(ctx, `
			CREATE TABLE IF NOT EXISTS stream_heads
			(
				bucket_id         VARCHAR(64)  NOT NULL,
				stream_id         VARCHAR(200) NOT NULL,
				head_revision     INT          NOT NULL,
				snapshot_revision INT          NOT NULL DEFAULT 0,
				unsnapshotted     INT          NOT NULL DEFAULT 0,
				PRIMARY KEY (bucket_id, stream_id)
			);`,
		`CREATE INDEX IF NOT EXISTS stream_heads_unsnapshotted ON stream_heads(bucket_id, unsnapshotted);`,
	)
}

func (c *postgresConn) initSnapshotTbl(ctx context.Context) error {
	return c.execAll(ctx, `
			CREATE TABLE IF NOT EXISTS snapshots
			(
				bucket_id       VARCHAR(64)  NOT NULL,
				stream_id       VARCHAR(200) NOT NULL,
				stream_revision INT          NOT NULL,
				payload         BYTEA        NOT NULL,
				PRIMARY KEY (bucket_id, stream_id, stream_revision)
			);`,
	)
}

func (c *postgresConn) dropAll(ctx context.Context) error {
	return c.execAll(ctx,
		"DROP TABLE IF EXISTS commits;",
		"DROP TABLE IF EXISTS stream_heads;",
		"DROP TABLE IF EXISTS snapshots;",
	)
}

func (c *postgresConn) upsertStreamHeadQuery() string {
	return `INSERT INTO stream_heads(bucket_id, stream_id, head_revision, snapshot_revision, unsnapshotted)
			VALUES(?, ?, ?, 0, ?)
			ON CONFLICT (bucket_id, stream_id) DO UPDATE SET
				head_revision = GREATEST(stream_heads.head_revision, EXCLUDED.head_revision),
				unsnapshotted = GREATEST(stream_heads.head_revision, EXCLUDED.head_revision) - stream_heads.snapshot_revision;`
}

func (c *postgresConn) updateStreamHeadSnapshotQuery() string {
	return `INSERT INTO stream_heads(bucket_id, stream_id, head_revision, snapshot_revision, unsnapshotted)
			VALUES(?, ?, ?, ?, 0)
			ON CONFLICT (bucket_id, stream_id) DO UPDATE SET
				snapshot_revision = GREATEST(stream_heads.snapshot_revision, EXCLUDED.snapshot_revision),
				head_revision = GREATEST(stream_heads.head_revision, EXCLUDED.head_revision),
				unsnapshotted = GREATEST(stream_heads.head_revision, EXCLUDED.head_revision) -
					GREATEST(stream_heads.snapshot_revision, EXCLUDED.snapshot_revision);`
}

func (c *postgresConn) upsertSnapshotQuery() string {
	return `INSERT INTO snapshots(bucket_id, stream_id, stream_revision, payload) VALUES(?, ?, ?, ?)
			ON CONFLICT (bucket_id, stream_id, stream_revision) DO UPDATE SET payload = EXCLUDED.payload;`
}

func (c *postgresConn) duplicateKey(err error) (string, bool) {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != postgresUniqueViolation {
		return "", false
	}
	return pqErr.Constraint, true
}

func makeQuery(q string) string {
	counter := 1
	for i := strings.Index(q, "?"); i >= 0; i = strings.Index(q, "?") {
		q = strings.Replace(q, "?", fmt.Sprintf("$%d", counter), 1)
		counter++
	}
	return q
}
