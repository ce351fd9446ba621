package persistence

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DeleteStream removes the head and snapshots of a stream and moves its commits to the
// recycle bin. Checkpoints are kept, nothing is physically removed. Pending stream head
// updates are awaited first.
func (e *Engine) DeleteStream(ctx context.Context, bucketID, streamID string) (err error) {
	if err := e.checkDisposed(); err != nil {
		return err
	}
	ctx, span := e.tracer.Start(ctx, "commitdb.DeleteStream", trace.WithAttributes(
		attribute.String("commitdb.bucket", bucketID),
		attribute.String("commitdb.stream", streamID),
	))
	defer func() { finish(span, err) }()

	if bucketID == "" || streamID == "" {
		return errors.New("bucket and stream id are required")
	}
	// a head update from an earlier commit must not land after the delete
	e.Flush()
	stream := StreamFilter{BucketID: bucketID, StreamID: streamID}
	if err := e.backend.DeleteStreamHeads(ctx, stream); err != nil {
		return wrapStorage("delete stream head", err)
	}
	if err := e.backend.DeleteSnapshots(ctx, stream); err != nil {
		return wrapStorage("delete snapshots", err)
	}
	if err := e.backend.RetagStream(ctx, bucketID, streamID, RecycleBinBucket); err != nil {
		return wrapStorage("recycle commits", err)
	}
	e.log.WithFields(log.Fields{"bucket": bucketID, "stream": streamID}).Info("stream moved to recycle bin")
	return nil
}

// EmptyRecycleBin physically deletes recycled commits below the highest recycled
// checkpoint. That one commit survives even when live commits carry higher checkpoints.
func (e *Engine) EmptyRecycleBin(ctx context.Context) (err error) {
	if err := e.checkDisposed(); err != nil {
		return err
	}
	ctx, span := e.tracer.Start(ctx, "commitdb.EmptyRecycleBin")
	defer func() { finish(span, err) }()

	last, err := e.backend.MaxCheckpoint(ctx, RecycleBinBucket)
	if err != nil {
		return wrapStorage("read last recycled checkpoint", err)
	}
	if last <= 1 {
		return nil
	}
	err = e.backend.DeleteCommits(ctx, CommitFilter{BucketID: RecycleBinBucket, ToCheckpoint: last - 1})
	if err != nil {
		return wrapStorage("empty recycle bin", err)
	}
	e.log.WithField("kept_checkpoint", last).Info("recycle bin emptied")
	return nil
}

// Purge deletes every commit, stream head and snapshot. Pending stream head updates are
// awaited first. It is meant for resets and is not safe while other writers are active.
func (e *Engine) Purge(ctx context.Context) error {
	return e.purge(ctx, "")
}

// PurgeBucket deletes every commit, stream head and snapshot of a bucket.
func (e *Engine) PurgeBucket(ctx context.Context, bucketID string) error {
	if bucketID == "" {
		return errors.New("bucket id is required")
	}
	return e.purge(ctx, bucketID)
}

func (e *Engine) purge(ctx context.Context, bucketID string) (err error) {
	if err := e.checkDisposed(); err != nil {
		return err
	}
	ctx, span := e.tracer.Start(ctx, "commitdb.Purge", trace.WithAttributes(
		attribute.String("commitdb.bucket", bucketID),
	))
	defer func() { finish(span, err) }()

	e.Flush()
	if err := e.backend.DeleteCommits(ctx, CommitFilter{BucketID: bucketID}); err != nil {
		return wrapStorage("purge commits", err)
	}
	if err := e.backend.DeleteStreamHeads(ctx, StreamFilter{BucketID: bucketID}); err != nil {
		return wrapStorage("purge stream heads", err)
	}
	if err := e.backend.DeleteSnapshots(ctx, StreamFilter{BucketID: bucketID}); err != nil {
		return wrapStorage("purge snapshots", err)
	}
	e.log.WithField("bucket", bucketID).Warn("store purged")
	return nil
}

// Drop removes the collections of the store.
func (e *Engine) Drop(ctx context.Context) error {
	if err := e.checkDisposed(); err != nil {
		return err
	}
	return wrapStorage("drop", e.backend.Drop(ctx))
}
