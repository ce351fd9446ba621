package persistence

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	// RecycleBinBucket holds the commits of deleted streams until EmptyRecycleBin purges them.
	RecycleBinBucket = ":rb"
	// SystemBucket holds hole-fill placeholder commits.
	SystemBucket = ":sys"
	// DefaultBucket is used by callers that do not partition their streams.
	DefaultBucket = "default"
)

// CommitID identifies a single commit attempt. It is generated by the caller so that a
// retried request carries the same id as the original one.
type CommitID = uuid.UUID

// NewCommitID returns a random commit id.
func NewCommitID() CommitID {
	return uuid.New()
}

// Checkpoint is the position of a commit in the global order of the store.
// The zero value is the position before the first commit.
type Checkpoint int64

func (c Checkpoint) String() string {
	return strconv.FormatInt(int64(c), 10)
}

// Before reports whether c orders before other.
func (c Checkpoint) Before(other Checkpoint) bool {
	return c < other
}

// ParseCheckpoint parses the string form produced by Checkpoint.String.
// An empty string is the zero checkpoint.
func ParseCheckpoint(s string) (Checkpoint, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid checkpoint %q", s)
	}
	if v < 0 {
		return 0, errors.Errorf("invalid checkpoint %q", s)
	}
	return Checkpoint(v), nil
}

// EventMessage is an opaque event envelope. Body is handed to the Serializer as is.
type EventMessage struct {
	Headers map[string]interface{} `json:"Headers,omitempty"`
	Body    interface{}            `json:"Body"`
}

// CommitAttempt is a batch of events that has not been persisted yet.
//
// StreamRevision is the revision of the last event in the batch and CommitSequence the
// 1-based position of the commit in its stream.
type CommitAttempt struct {
	BucketID       string
	StreamID       string
	CommitID       CommitID
	CommitSequence int
	StreamRevision int
	CommitStamp    time.Time
	Headers        map[string]interface{}
	Events         []EventMessage
}

// Commit is a persisted CommitAttempt together with its checkpoint.
type Commit struct {
	CommitAttempt
	Checkpoint Checkpoint
}

// StreamHead caches the latest and the last snapshotted revision of a stream.
type StreamHead struct {
	BucketID         string
	StreamID         string
	HeadRevision     int
	SnapshotRevision int
	Unsnapshotted    int
}

// Snapshot is the serialized state of a stream at a given revision.
type Snapshot struct {
	BucketID       string
	StreamID       string
	StreamRevision int
	Payload        interface{}
}
