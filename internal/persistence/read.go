package persistence

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Observe streams the commits selected by q to obs in checkpoint order.
//
// The backend is read page by page and every page cursor is closed before its commits are
// handed out, so obs may call back into the engine. Cancelling ctx ends the read with
// OnCompleted. The returned error is the one passed to OnError.
func (e *Engine) Observe(ctx context.Context, q Query, obs Observer) (err error) {
	if err := e.checkDisposed(); err != nil {
		obs.OnError(err)
		return err
	}
	ctx, span := e.tracer.Start(ctx, "commitdb.Observe", trace.WithAttributes(
		attribute.String("commitdb.query", q.String()),
	))
	defer func() { finish(span, err) }()

	filter := q.filter()
	for {
		if ctx.Err() != nil {
			obs.OnCompleted()
			return nil
		}
		if err := e.checkDisposed(); err != nil {
			obs.OnError(err)
			return err
		}
		page, err := e.readPage(ctx, filter)
		if err != nil {
			if ctx.Err() != nil {
				obs.OnCompleted()
				return nil
			}
			obs.OnError(err)
			return err
		}
		for _, c := range page {
			if !obs.OnNext(ctx, c) || ctx.Err() != nil {
				obs.OnCompleted()
				return nil
			}
		}
		if len(page) < e.opts.PageSize {
			obs.OnCompleted()
			return nil
		}
		filter.AfterCheckpoint = int64(page[len(page)-1].Checkpoint)
	}
}

func (e *Engine) readPage(ctx context.Context, filter CommitFilter) ([]Commit, error) {
	filter.Limit = e.opts.PageSize
	cursor, err := e.backend.FindCommits(ctx, filter)
	if err != nil {
		return nil, wrapStorage("find commits", err)
	}
	defer cursor.Close()

	page := make([]Commit, 0, filter.Limit)
	for cursor.Next(ctx) {
		c, err := e.codec.ToCommit(cursor.Document())
		if err != nil {
			return nil, err
		}
		page = append(page, c)
	}
	if err := cursor.Err(); err != nil {
		return nil, wrapStorage("find commits", err)
	}
	return page, nil
}

// Get collects the result of Observe.
func (e *Engine) Get(ctx context.Context, q Query) ([]Commit, error) {
	commits := make([]Commit, 0)
	err := e.Observe(ctx, q, ObserverFuncs{
		Next: func(_ context.Context, c Commit) bool {
			commits = append(commits, c)
			return true
		},
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return commits, err
	}
	return commits, nil
}

// GetFrom reads the commits of a stream overlapping [minRevision, maxRevision].
func (e *Engine) GetFrom(ctx context.Context, bucketID, streamID string, minRevision, maxRevision int) ([]Commit, error) {
	return e.Get(ctx, StreamRange(bucketID, streamID, minRevision, maxRevision))
}

// GetFromTime reads the commits of a bucket stamped at or after start.
func (e *Engine) GetFromTime(ctx context.Context, bucketID string, start time.Time) ([]Commit, error) {
	return e.Get(ctx, BucketSince(bucketID, start))
}

// GetFromTo reads the commits of a bucket stamped in [start, end).
func (e *Engine) GetFromTo(ctx context.Context, bucketID string, start, end time.Time) ([]Commit, error) {
	return e.Get(ctx, BucketBetween(bucketID, start, end))
}

func (e *Engine) GetFromCheckpoint(ctx context.Context, after Checkpoint) ([]Commit, error) {
	return e.Get(ctx, FromCheckpoint(after))
}

func (e *Engine) GetFromToCheckpoint(ctx context.Context, after, until Checkpoint) ([]Commit, error) {
	return e.Get(ctx, CheckpointRange(after, until))
}

func (e *Engine) GetDeletedCommits(ctx context.Context) ([]Commit, error) {
	return e.Get(ctx, DeletedCommits())
}
