package persistence

import (
	"context"
	"math"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AddSnapshot stores a snapshot and records its revision on the stream head.
func (e *Engine) AddSnapshot(ctx context.Context, snapshot Snapshot) (err error) {
	if err := e.checkSnapshots(); err != nil {
		return err
	}
	ctx, span := e.tracer.Start(ctx, "commitdb.AddSnapshot", trace.WithAttributes(
		attribute.String("commitdb.bucket", snapshot.BucketID),
		attribute.String("commitdb.stream", snapshot.StreamID),
		attribute.Int("commitdb.stream_revision", snapshot.StreamRevision),
	))
	defer func() { finish(span, err) }()

	if snapshot.BucketID == "" || snapshot.StreamID == "" {
		return errors.New("bucket and stream id are required")
	}
	if snapshot.StreamRevision <= 0 {
		return errors.New("snapshot revision must be positive")
	}
	doc, err := e.codec.ToSnapshotDocument(snapshot)
	if err != nil {
		return err
	}
	if err := e.backend.UpsertSnapshot(ctx, doc); err != nil {
		return wrapStorage("save snapshot", err)
	}
	// the head is a cache, a stale one only delays the next snapshot
	err = e.backend.UpdateStreamHeadSnapshot(ctx, snapshot.BucketID, snapshot.StreamID, snapshot.StreamRevision)
	if err != nil {
		e.log.WithError(err).WithFields(log.Fields{
			"bucket": snapshot.BucketID,
			"stream": snapshot.StreamID,
		}).Warn("failed to update stream head snapshot revision")
	}
	return nil
}

// GetSnapshot returns the latest snapshot at or below maxRevision, or nil if there is none.
// A maxRevision of zero or less means the latest snapshot.
func (e *Engine) GetSnapshot(ctx context.Context, bucketID, streamID string, maxRevision int) (*Snapshot, error) {
	if err := e.checkSnapshots(); err != nil {
		return nil, err
	}
	if maxRevision <= 0 {
		maxRevision = math.MaxInt32
	}
	doc, err := e.backend.FindSnapshot(ctx, bucketID, streamID, maxRevision)
	if err != nil {
		return nil, wrapStorage("find snapshot", err)
	}
	if doc == nil {
		return nil, nil
	}
	snapshot, err := e.codec.ToSnapshot(doc)
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// GetStreamsToSnapshot lists the streams of a bucket with at least maxThreshold events
// since their last snapshot.
func (e *Engine) GetStreamsToSnapshot(ctx context.Context, bucketID string, maxThreshold int) ([]StreamHead, error) {
	if err := e.checkSnapshots(); err != nil {
		return nil, err
	}
	docs, err := e.backend.FindStreamHeads(ctx, bucketID, maxThreshold)
	if err != nil {
		return nil, wrapStorage("find stream heads", err)
	}
	heads := make([]StreamHead, len(docs))
	for i, doc := range docs {
		heads[i] = StreamHead{
			BucketID:         doc.ID.BucketID,
			StreamID:         doc.ID.StreamID,
			HeadRevision:     doc.HeadRevision,
			SnapshotRevision: doc.SnapshotRevision,
			Unsnapshotted:    doc.Unsnapshotted,
		}
	}
	return heads, nil
}

func (e *Engine) checkSnapshots() error {
	if err := e.checkDisposed(); err != nil {
		return err
	}
	if e.opts.DisableSnapshots {
		return ErrSnapshotsDisabled
	}
	return nil
}
