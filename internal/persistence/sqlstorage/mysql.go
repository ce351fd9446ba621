package sqlstorage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	p "github.com/snowflk/commitdb/internal/persistence"
)

const mysqlDuplicateEntry = 1062

type mysqlConn struct {
	sqlConn
}

func newMySQLConn(db *sql.DB) *mysqlConn {
	return &mysqlConn{sqlConn{conn: db, rebind: noRebind}}
}

func mysqlDSN(opts Options) string {
	if opts.DSN != "" {
		return opts.DSN
	}
	cfg := mysql.NewConfig()
	cfg.User = opts.User
	cfg.Passwd = opts.Password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", opts.Host, opts.Port)
	cfg.DBName = opts.Database
	return cfg.FormatDSN()
}

// Recycled commits get a NULL logical_bucket_id, which the unique index does not compare.
func (c *mysqlConn) initCommitTbl(ctx context.Context) error {
	err := c.execAll(ctx, `
			CREATE TABLE IF NOT EXISTS commits
			(
				checkpoint_number    BIGINT       NOT NULL,
				bucket_id            VARCHAR(64)  NOT NULL,
				stream_id            VARCHAR(200) NOT NULL,
				stream_revision_from INT          NOT NULL,
				stream_revision_to   INT          NOT NULL,
				commit_id            VARCHAR(64)  NOT NULL,
				commit_stamp         BIGINT       NOT NULL,
				commit_sequence      INT          NOT NULL,
				events               LONGBLOB     NOT NULL,
				headers              LONGBLOB,
				logical_bucket_id    VARCHAR(64) AS (IF(bucket_id = ':rb', NULL, bucket_id)) STORED,
				PRIMARY KEY (checkpoint_number)
			) ENGINE = InnoDB DEFAULT CHARSET = utf8mb4;`)
	if err != nil {
		return err
	}
	if err := c.createIndex(ctx, "commits", p.LogicalKeyIndex, true, []string{"logical_bucket_id", "stream_id", "commit_sequence"}); err != nil {
		return err
	}
	if err := c.createIndex(ctx, "commits", "commits_commit_id", false, []string{"bucket_id", "stream_id", "commit_id"}); err != nil {
		return err
	}
	return c.createIndex(ctx, "commits", "commits_stamp", false, []string{"bucket_id", "commit_stamp"})
}

func (c *mysqlConn) initStreamHeadTbl(ctx context.Context) error {
	err := c.execAll(ctx, `
			CREATE TABLE IF NOT EXISTS stream_heads
			(
				bucket_id         VARCHAR(64)  NOT NULL,
				stream_id         VARCHAR(200) NOT NULL,
				head_revision     INT          NOT NULL,
				snapshot_revision INT          NOT NULL DEFAULT 0,
				unsnapshotted     INT          NOT NULL DEFAULT 0,
				PRIMARY KEY (bucket_id, stream_id)
			) ENGINE = InnoDB DEFAULT CHARSET = utf8mb4;`)
	if err != nil {
		return err
	}
	return c.createIndex(ctx, "stream_heads", "stream_heads_unsnapshotted", false, []string{"bucket_id", "unsnapshotted"})
}

func (c *mysqlConn) initSnapshotTbl(ctx context.Context) error {
	return c.execAll(ctx, `
			CREATE TABLE IF NOT EXISTS snapshots
			(
				bucket_id       VARCHAR(64)  NOT NULL,
				stream_id       VARCHAR(200) NOT NULL,
				stream_revision INT          NOT NULL,
				payload         LONGBLOB     NOT NULL,
				PRIMARY KEY (bucket_id, stream_id, stream_revision)
			) ENGINE = InnoDB DEFAULT CHARSET = utf8mb4;`)
}

func (c *mysqlConn) dropAll(ctx context.Context) error {
	return c.execAll(ctx,
		"DROP TABLE IF EXISTS commits;",
		"DROP TABLE IF EXISTS stream_heads;",
		"DROP TABLE IF EXISTS snapshots;",
	)
}

// Assignments run left to right, unsnapshotted must read the old head revision.
func (c *mysqlConn) upsertStreamHeadQuery() string {
	return `INSERT INTO stream_heads(bucket_id, stream_id, head_revision, snapshot_revision, unsnapshotted)
			VALUES(?, ?, ?, 0, ?)
			ON DUPLICATE KEY UPDATE
				unsnapshotted = GREATEST(head_revision, VALUES(head_revision)) - snapshot_revision,
				head_revision = GREATEST(head_revision, VALUES(head_revision));`
}

func (c *mysqlConn) updateStreamHeadSnapshotQuery() string {
	return `INSERT INTO stream_heads(bucket_id, stream_id, head_revision, snapshot_revision, unsnapshotted)
			VALUES(?, ?, ?, ?, 0)
			ON DUPLICATE KEY UPDATE
				unsnapshotted = GREATEST(head_revision, VALUES(head_revision)) - GREATEST(snapshot_revision, VALUES(snapshot_revision)),
				head_revision = GREATEST(head_revision, VALUES(head_revision)),
				snapshot_revision = GREATEST(snapshot_revision, VALUES(snapshot_revision));`
}

func (c *mysqlConn) upsertSnapshotQuery() string {
	return `INSERT INTO snapshots(bucket_id, stream_id, stream_revision, payload) VALUES(?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE payload = VALUES(payload);`
}

// duplicateKey reads the key name from messages like
// "Duplicate entry '7' for key 'commits.PRIMARY'".
func (c *mysqlConn) duplicateKey(err error) (string, bool) {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) || myErr.Number != mysqlDuplicateEntry {
		return "", false
	}
	msg := myErr.Message
	i := strings.LastIndex(msg, "for key '")
	if i < 0 {
		return msg, true
	}
	key := strings.TrimSuffix(msg[i+len("for key '"):], "'")
	if key == "PRIMARY" || strings.HasSuffix(key, ".PRIMARY") {
		return p.CheckpointIndex, true
	}
	return key, true
}

func (c *mysqlConn) createIndex(ctx context.Context, tableName, indexName string, unique bool, columns []string) error {
	existed, err := c.isIndexExisted(ctx, tableName, indexName)
	if err != nil {
		return err
	}
	if existed {
		return nil
	}
	kind := "INDEX"
	if unique {
		kind = "UNIQUE INDEX"
	}
	_, err = c.exec(ctx, fmt.Sprintf("CREATE %s %s ON %s(%s);", kind, indexName, tableName, strings.Join(columns, ",")))
	return err
}

func (c *mysqlConn) isIndexExisted(ctx context.Context, tableName, indexName string) (bool, error) {
	row := c.queryOne(ctx, `
						SELECT COUNT(*)
						FROM information_schema.statistics
						WHERE TABLE_SCHEMA = DATABASE()
  							AND TABLE_NAME = ?
  							AND INDEX_NAME = ?;`, tableName, indexName)
	var counter uint64
	if err := row.Scan(&counter); err != nil {
		return false, err
	}
	return counter >= 1, nil
}
