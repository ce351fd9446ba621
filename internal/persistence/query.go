package persistence

import (
	"context"
	"fmt"
	"time"
)

// Query describes an ordered read. Use the constructors below to build one.
type Query struct {
	bucketID    string
	streamID    string
	minRevision int
	maxRevision int
	from        time.Time
	to          time.Time
	after       Checkpoint
	until       Checkpoint
	deleted     bool
	withDeleted bool
}

// StreamRange reads the commits of one stream overlapping [minRevision, maxRevision].
// A maxRevision of zero or less leaves the range open.
func StreamRange(bucketID, streamID string, minRevision, maxRevision int) Query {
	return Query{bucketID: bucketID, streamID: streamID, minRevision: minRevision, maxRevision: maxRevision}
}

// BucketSince reads the commits of a bucket stamped at or after start.
func BucketSince(bucketID string, start time.Time) Query {
	return Query{bucketID: bucketID, from: start}
}

// BucketBetween reads the commits of a bucket stamped in [start, end).
func BucketBetween(bucketID string, start, end time.Time) Query {
	return Query{bucketID: bucketID, from: start, to: end}
}

// FromCheckpoint reads every live commit after the checkpoint.
func FromCheckpoint(after Checkpoint) Query {
	return Query{after: after}
}

// BucketFromCheckpoint reads the commits of a bucket after the checkpoint.
func BucketFromCheckpoint(bucketID string, after Checkpoint) Query {
	return Query{bucketID: bucketID, after: after}
}

// CheckpointRange reads every live commit in (after, until].
func CheckpointRange(after, until Checkpoint) Query {
	return Query{after: after, until: until}
}

// DeletedCommits reads the commits waiting in the recycle bin.
func DeletedCommits() Query {
	return Query{deleted: true}
}

// IncludeDeleted makes a query that names no bucket see the recycle bin as well.
func (q Query) IncludeDeleted() Query {
	q.withDeleted = true
	return q
}

// filter is the only place deciding recycle bin visibility: a query that does not name a
// bucket never sees deleted commits unless it asks for them.
func (q Query) filter() CommitFilter {
	f := CommitFilter{
		BucketID:        q.bucketID,
		StreamID:        q.streamID,
		MinRevision:     q.minRevision,
		MaxRevision:     q.maxRevision,
		From:            q.from,
		To:              q.to,
		AfterCheckpoint: int64(q.after),
		ToCheckpoint:    int64(q.until),
	}
	switch {
	case q.deleted:
		f.BucketID = RecycleBinBucket
		f.StreamID = ""
	case q.bucketID == "" && !q.withDeleted:
		f.ExcludeBucketIDs = []string{RecycleBinBucket}
	}
	return f
}

func (q Query) String() string {
	switch {
	case q.deleted:
		return "deleted commits"
	case q.streamID != "":
		return fmt.Sprintf("stream %s/%s revisions [%d, %d]", q.bucketID, q.streamID, q.minRevision, q.maxRevision)
	case !q.from.IsZero() || !q.to.IsZero():
		return fmt.Sprintf("bucket %s stamped [%s, %s)", q.bucketID, q.from.Format(time.RFC3339Nano), q.to.Format(time.RFC3339Nano))
	case q.bucketID != "":
		return fmt.Sprintf("bucket %s after checkpoint %s", q.bucketID, q.after)
	}
	if q.withDeleted {
		return fmt.Sprintf("checkpoints (%s, %s] with deleted", q.after, q.until)
	}
	return fmt.Sprintf("checkpoints (%s, %s]", q.after, q.until)
}

// Observer receives the commits of a read one at a time. OnNext returns false to stop the
// read. Every read ends with exactly one call to OnError or OnCompleted.
type Observer interface {
	OnNext(ctx context.Context, c Commit) bool
	OnError(err error)
	OnCompleted()
}

// ObserverFuncs adapts functions to Observer. Nil fields are ignored.
type ObserverFuncs struct {
	Next      func(ctx context.Context, c Commit) bool
	Error     func(err error)
	Completed func()
}

func (o ObserverFuncs) OnNext(ctx context.Context, c Commit) bool {
	if o.Next == nil {
		return true
	}
	return o.Next(ctx, c)
}

func (o ObserverFuncs) OnError(err error) {
	if o.Error != nil {
		o.Error(err)
	}
}

func (o ObserverFuncs) OnCompleted() {
	if o.Completed != nil {
		o.Completed()
	}
}
