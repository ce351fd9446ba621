// Package sqlstorage implements the backend on PostgreSQL, MySQL and SQLite. Commit
// envelopes are columns, events and headers are stored as JSON blobs.
package sqlstorage

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	p "github.com/snowflk/commitdb/internal/persistence"
)

const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"

	MaxOpenConnections    = 20
	MaxIdleConnections    = 2
	DefaultConnectTimeout = 30 * time.Second
)

var ErrUnknownDriver = errors.New("unknown sql driver")

type Options struct {
	Driver string
	// DSN replaces the connection settings below when set.
	DSN      string
	Host     string
	Port     int
	User     string
	Password string
	Database string
	// Path of the SQLite database file.
	Path string

	MaxOpenConns int
	// ConnectTimeout bounds the retries of the first ping.
	ConnectTimeout time.Duration
	// Cache shares connection pools between storages. Without it the storage owns its pool.
	Cache  *ConnCache
	Logger *log.Entry
}

func (o Options) dataSource() (string, error) {
	switch o.Driver {
	case DriverPostgres:
		return postgresDSN(o), nil
	case DriverMySQL:
		return mysqlDSN(o), nil
	case DriverSQLite:
		if o.DSN == "" && o.Path == "" {
			return "", errors.New("sqlite path is required")
		}
		return sqliteDSN(o), nil
	}
	return "", errors.Wrapf(ErrUnknownDriver, "%q", o.Driver)
}

type Storage struct {
	db      dbConn
	driver  string
	release func()
	log     *log.Entry
}

var _ p.Backend = (*Storage)(nil)

// New connects to the database, retrying the first ping with exponential backoff.
func New(ctx context.Context, options Options) (*Storage, error) {
	dsn, err := options.dataSource()
	if err != nil {
		return nil, err
	}
	logger := options.Logger
	if logger == nil {
		logger = log.WithField("component", "sqlstorage")
	}
	logger = logger.WithField("driver", options.Driver)
	if options.Driver == DriverSQLite && options.Path != "" {
		if err := os.MkdirAll(filepath.Dir(options.Path), 0700); err != nil {
			return nil, errors.Wrap(err, "create sqlite directory")
		}
	}

	open := func() (*sql.DB, error) {
		db, err := sql.Open(options.Driver, dsn)
		if err != nil {
			return nil, err
		}
		maxOpen := options.MaxOpenConns
		if maxOpen <= 0 {
			maxOpen = MaxOpenConnections
		}
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(MaxIdleConnections)
		return db, nil
	}

	var db *sql.DB
	release := func() {}
	if options.Cache != nil {
		db, release, err = options.Cache.Acquire(options.Driver, dsn, open)
	} else {
		db, err = open()
		if err == nil {
			release = func() { _ = db.Close() }
		}
	}
	if err != nil {
		return nil, p.Unavailable("open "+options.Driver, err)
	}

	var conn dbConn
	switch options.Driver {
	case DriverPostgres:
		conn = newPostgresConn(db)
	case DriverMySQL:
		conn = newMySQLConn(db)
	default:
		conn = newSQLiteConn(db)
	}
	s := &Storage{db: conn, driver: options.Driver, release: release, log: logger}
	if err := s.waitReady(ctx, options.ConnectTimeout); err != nil {
		release()
		return nil, err
	}
	return s, nil
}

func (s *Storage) waitReady(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = timeout
	err := backoff.RetryNotify(func() error {
		return s.db.ping(ctx)
	}, backoff.WithContext(policy, ctx), func(err error, next time.Duration) {
		s.log.WithError(err).WithField("retry_in", next).Warn("database is not reachable yet")
	})
	if err != nil {
		return p.Unavailable("ping", err)
	}
	return nil
}

func (s *Storage) Driver() string {
	return s.driver
}

func (s *Storage) EnsureIndexes(ctx context.Context) error {
	if err := s.db.initCommitTbl(ctx); err != nil {
		return s.classify("init commits", err)
	}
	if err := s.db.initStreamHeadTbl(ctx); err != nil {
		return s.classify("init stream heads", err)
	}
	if err := s.db.initSnapshotTbl(ctx); err != nil {
		return s.classify("init snapshots", err)
	}
	return nil
}

func (s *Storage) Drop(ctx context.Context) error {
	return s.classify("drop", s.db.dropAll(ctx))
}

func (s *Storage) Close() error {
	s.release()
	return nil
}

func (s *Storage) InsertCommit(ctx context.Context, doc *p.CommitDocument) error {
	events, err := json.Marshal(doc.Events)
	if err != nil {
		return &p.SerializationError{Field: "events", Err: err}
	}
	var headers []byte
	if len(doc.Headers) > 0 {
		headers = doc.Headers
	}
	_, err = s.db.exec(ctx, `
			INSERT INTO commits(checkpoint_number, bucket_id, stream_id, stream_revision_from, stream_revision_to,
				commit_id, commit_stamp, commit_sequence, events, headers)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		doc.CheckpointNumber, doc.BucketID, doc.StreamID, doc.StreamRevisionFrom, doc.StreamRevisionTo,
		doc.CommitID, toStamp(doc.CommitStamp), doc.CommitSequence, events, headers)
	return s.classify("insert commit", err)
}

func (s *Storage) FindCommits(ctx context.Context, filter p.CommitFilter) (p.CommitCursor, error) {
	where, args := commitWhere(filter)
	q := "SELECT " + commitColumns + " FROM commits" + where + " ORDER BY checkpoint_number"
	if filter.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	rows, err := s.db.query(ctx, q+";", args...)
	if err != nil {
		return nil, s.classify("find commits", err)
	}
	return &rowsCursor{rows: rows, storage: s}, nil
}

func (s *Storage) FindCommitByID(ctx context.Context, bucketID, streamID, commitID string) (*p.CommitDocument, error) {
	row := s.db.queryOne(ctx, "SELECT "+commitColumns+" FROM commits WHERE bucket_id = ? AND stream_id = ? AND commit_id = ?;",
		bucketID, streamID, commitID)
	doc, err := scanCommit(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, s.classify("find commit", err)
	}
	return doc, nil
}

func (s *Storage) MaxCheckpoint(ctx context.Context, bucketID string) (int64, error) {
	q := "SELECT COALESCE(MAX(checkpoint_number), 0) FROM commits"
	var args []interface{}
	if bucketID != "" {
		q += " WHERE bucket_id = ?"
		args = append(args, bucketID)
	}
	var last int64
	if err := s.db.queryOne(ctx, q+";", args...).Scan(&last); err != nil {
		return 0, s.classify("max checkpoint", err)
	}
	return last, nil
}

func (s *Storage) RetagStream(ctx context.Context, bucketID, streamID, newBucketID string) error {
	_, err := s.db.exec(ctx, "UPDATE commits SET bucket_id = ? WHERE bucket_id = ? AND stream_id = ?;",
		newBucketID, bucketID, streamID)
	return s.classify("retag stream", err)
}

func (s *Storage) DeleteCommits(ctx context.Context, filter p.CommitFilter) error {
	filter.Limit = 0
	where, args := commitWhere(filter)
	n, err := s.db.exec(ctx, "DELETE FROM commits"+where+";", args...)
	if err != nil {
		return s.classify("delete commits", err)
	}
	s.log.WithField("deleted", n).Debug("commits deleted")
	return nil
}

func (s *Storage) UpsertStreamHead(ctx context.Context, bucketID, streamID string, headRevision int) error {
	_, err := s.db.exec(ctx, s.db.upsertStreamHeadQuery(), bucketID, streamID, headRevision, headRevision)
	return s.classify("upsert stream head", err)
}

func (s *Storage) UpdateStreamHeadSnapshot(ctx context.Context, bucketID, streamID string, snapshotRevision int) error {
	_, err := s.db.exec(ctx, s.db.updateStreamHeadSnapshotQuery(), bucketID, streamID, snapshotRevision, snapshotRevision)
	return s.classify("update stream head snapshot", err)
}

func (s *Storage) FindStreamHeads(ctx context.Context, bucketID string, minUnsnapshotted int) ([]p.StreamHeadDocument, error) {
	rows, err := s.db.query(ctx, `
			SELECT bucket_id, stream_id, head_revision, snapshot_revision, unsnapshotted
			FROM stream_heads
			WHERE bucket_id = ? AND unsnapshotted >= ?
			ORDER BY unsnapshotted DESC, stream_id;`, bucketID, minUnsnapshotted)
	if err != nil {
		return nil, s.classify("find stream heads", err)
	}
	defer rows.Close()

	heads := make([]p.StreamHeadDocument, 0)
	for rows.Next() {
		var head p.StreamHeadDocument
		err := rows.Scan(&head.ID.BucketID, &head.ID.StreamID, &head.HeadRevision, &head.SnapshotRevision, &head.Unsnapshotted)
		if err != nil {
			return nil, s.classify("find stream heads", err)
		}
		heads = append(heads, head)
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify("find stream heads", err)
	}
	return heads, nil
}

func (s *Storage) DeleteStreamHeads(ctx context.Context, filter p.StreamFilter) error {
	where, args := streamWhere(filter)
	_, err := s.db.exec(ctx, "DELETE FROM stream_heads"+where+";", args...)
	return s.classify("delete stream heads", err)
}

func (s *Storage) UpsertSnapshot(ctx context.Context, doc *p.SnapshotDocument) error {
	_, err := s.db.exec(ctx, s.db.upsertSnapshotQuery(),
		doc.ID.BucketID, doc.ID.StreamID, doc.ID.StreamRevision, []byte(doc.Payload))
	return s.classify("upsert snapshot", err)
}

func (s *Storage) FindSnapshot(ctx context.Context, bucketID, streamID string, maxRevision int) (*p.SnapshotDocument, error) {
	row := s.db.queryOne(ctx, `
			SELECT bucket_id, stream_id, stream_revision, payload
			FROM snapshots
			WHERE bucket_id = ? AND stream_id = ? AND stream_revision <= ?
			ORDER BY stream_revision DESC
			LIMIT 1;`, bucketID, streamID, maxRevision)
	var doc p.SnapshotDocument
	var payload []byte
	err := row.Scan(&doc.ID.BucketID, &doc.ID.StreamID, &doc.ID.StreamRevision, &payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, s.classify("find snapshot", err)
	}
	doc.Payload = payload
	return &doc, nil
}

func (s *Storage) DeleteSnapshots(ctx context.Context, filter p.StreamFilter) error {
	where, args := streamWhere(filter)
	_, err := s.db.exec(ctx, "DELETE FROM snapshots"+where+";", args...)
	return s.classify("delete snapshots", err)
}

// classify turns driver errors into the errors the engine understands.
func (s *Storage) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if index, ok := s.db.duplicateKey(err); ok {
		return &p.DuplicateKeyError{Index: index, Err: err}
	}
	if isUnavailable(err) {
		return p.Unavailable(op, err)
	}
	return errors.Wrap(err, op)
}
