package persistence

import (
	"context"
	"encoding/json"
	"time"
)

const (
	// CheckpointIndex is the primary key of the commits collection.
	CheckpointIndex = "commits_pkey"
	// LogicalKeyIndex is the unique (bucket, stream, commit sequence) index.
	// Commits in the recycle bin are not part of it.
	LogicalKeyIndex = "commits_logical_key"
)

// CommitDocument is the stored form of a commit.
type CommitDocument struct {
	CheckpointNumber   int64           `json:"_id"`
	BucketID           string          `json:"BucketId"`
	StreamID           string          `json:"StreamId"`
	StreamRevisionFrom int             `json:"StreamRevisionFrom"`
	StreamRevisionTo   int             `json:"StreamRevisionTo"`
	CommitID           string          `json:"CommitId"`
	CommitStamp        time.Time       `json:"CommitStamp"`
	CommitSequence     int             `json:"CommitSequence"`
	Events             []EventDocument `json:"Events"`
	Headers            json.RawMessage `json:"Headers,omitempty"`
}

// EventDocument is a single event of a CommitDocument. Payload holds either an embedded
// JSON document or a base64 string of the serialized bytes.
type EventDocument struct {
	StreamRevision int             `json:"StreamRevision"`
	Payload        json.RawMessage `json:"Payload"`
}

type StreamHeadID struct {
	BucketID string `json:"BucketId"`
	StreamID string `json:"StreamId"`
}

type StreamHeadDocument struct {
	ID               StreamHeadID `json:"_id"`
	HeadRevision     int          `json:"HeadRevision"`
	SnapshotRevision int          `json:"SnapshotRevision"`
	Unsnapshotted    int          `json:"Unsnapshotted"`
}

type SnapshotID struct {
	BucketID       string `json:"BucketId"`
	StreamID       string `json:"StreamId"`
	StreamRevision int    `json:"StreamRevision"`
}

type SnapshotDocument struct {
	ID      SnapshotID      `json:"_id"`
	Payload json.RawMessage `json:"Payload"`
}

// CommitFilter selects commits for scans and bulk deletes. Zero values leave the
// corresponding condition out. Scans are always ordered by ascending checkpoint.
type CommitFilter struct {
	BucketID         string
	ExcludeBucketIDs []string
	StreamID         string
	// MinRevision keeps commits whose StreamRevisionTo >= MinRevision.
	MinRevision int
	// MaxRevision keeps commits whose StreamRevisionFrom <= MaxRevision.
	MaxRevision int
	// From keeps commits stamped at or after From, To those stamped strictly before To.
	From time.Time
	To   time.Time
	// AfterCheckpoint is exclusive, ToCheckpoint inclusive.
	AfterCheckpoint int64
	ToCheckpoint    int64
	Limit           int
}

// Match evaluates the filter against a document. Backends without a query language use it.
func (f CommitFilter) Match(doc *CommitDocument) bool {
	if f.BucketID != "" && doc.BucketID != f.BucketID {
		return false
	}
	for _, b := range f.ExcludeBucketIDs {
		if doc.BucketID == b {
			return false
		}
	}
	if f.StreamID != "" && doc.StreamID != f.StreamID {
		return false
	}
	if f.MinRevision > 0 && doc.StreamRevisionTo < f.MinRevision {
		return false
	}
	if f.MaxRevision > 0 && doc.StreamRevisionFrom > f.MaxRevision {
		return false
	}
	if !f.From.IsZero() && doc.CommitStamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !doc.CommitStamp.Before(f.To) {
		return false
	}
	if doc.CheckpointNumber <= f.AfterCheckpoint {
		return false
	}
	if f.ToCheckpoint > 0 && doc.CheckpointNumber > f.ToCheckpoint {
		return false
	}
	return true
}

// StreamFilter selects stream heads and snapshots. An empty BucketID selects everything,
// an empty StreamID every stream of the bucket.
type StreamFilter struct {
	BucketID string
	StreamID string
}

func (f StreamFilter) Match(bucketID, streamID string) bool {
	if f.BucketID != "" && f.BucketID != bucketID {
		return false
	}
	return f.StreamID == "" || f.StreamID == streamID
}

// CommitCursor iterates over the result of a scan. Close must be called on every path.
type CommitCursor interface {
	Next(ctx context.Context) bool
	Document() *CommitDocument
	Err() error
	Close() error
}

// CheckpointReader reads the highest stored checkpoint. An empty bucket means the whole store.
type CheckpointReader interface {
	MaxCheckpoint(ctx context.Context, bucketID string) (int64, error)
}

// Backend is the document storage the engine runs on. It only has to offer per-document
// atomicity and unique index enforcement.
//
// InsertCommit must enforce CheckpointIndex and LogicalKeyIndex and report a violation as
// *DuplicateKeyError naming the index. Connectivity faults are reported with Unavailable.
// The implementation of this interface must pass the "testsuite" package.
type Backend interface {
	CheckpointReader

	// EnsureIndexes creates collections and indexes. It must be idempotent.
	EnsureIndexes(ctx context.Context) error

	InsertCommit(ctx context.Context, doc *CommitDocument) error
	FindCommits(ctx context.Context, filter CommitFilter) (CommitCursor, error)
	// FindCommitByID returns nil and no error when there is no such commit.
	FindCommitByID(ctx context.Context, bucketID, streamID, commitID string) (*CommitDocument, error)
	// RetagStream moves every commit of a stream to another bucket, keeping checkpoints.
	RetagStream(ctx context.Context, bucketID, streamID, newBucketID string) error
	DeleteCommits(ctx context.Context, filter CommitFilter) error

	// UpsertStreamHead raises the head revision of a stream, creating the head if needed.
	UpsertStreamHead(ctx context.Context, bucketID, streamID string, headRevision int) error
	// UpdateStreamHeadSnapshot records the revision of the latest snapshot of a stream.
	// The snapshot revision never moves backwards.
	UpdateStreamHeadSnapshot(ctx context.Context, bucketID, streamID string, snapshotRevision int) error
	FindStreamHeads(ctx context.Context, bucketID string, minUnsnapshotted int) ([]StreamHeadDocument, error)
	DeleteStreamHeads(ctx context.Context, filter StreamFilter) error

	UpsertSnapshot(ctx context.Context, doc *SnapshotDocument) error
	// FindSnapshot returns the most recent snapshot at or below maxRevision, or nil.
	FindSnapshot(ctx context.Context, bucketID, streamID string, maxRevision int) (*SnapshotDocument, error)
	DeleteSnapshots(ctx context.Context, filter StreamFilter) error

	// Drop removes all collections.
	Drop(ctx context.Context) error
	Close() error
}

// SliceCursor is a CommitCursor over documents already in memory.
type SliceCursor struct {
	docs []*CommitDocument
	pos  int
	err  error
}

func NewSliceCursor(docs []*CommitDocument) *SliceCursor {
	return &SliceCursor{docs: docs, pos: -1}
}

func (c *SliceCursor) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		c.err = err
		return false
	}
	if c.pos+1 >= len(c.docs) {
		return false
	}
	c.pos++
	return true
}

func (c *SliceCursor) Document() *CommitDocument {
	if c.pos < 0 || c.pos >= len(c.docs) {
		return nil
	}
	return c.docs[c.pos]
}

func (c *SliceCursor) Err() error {
	return c.err
}

func (c *SliceCursor) Close() error {
	c.docs = nil
	return nil
}
