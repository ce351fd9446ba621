package persistence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Engine appends commits to streams and serves ordered reads.
//
// Writers are never serialized in process: correctness relies on the unique indexes of the
// backend. A commit whose checkpoint collides with another one is renumbered and retried,
// a commit whose stream position is taken fails with ErrConcurrency or ErrDuplicateCommit.
type Engine struct {
	backend   Backend
	codec     *Codec
	generator CheckpointGenerator
	opts      Options
	log       *log.Entry
	tracer    trace.Tracer

	disposed int32
	mu       sync.Mutex
	closed   bool
	pending  sync.WaitGroup
}

// NewEngine ensures the backend indexes exist and sets up checkpoint generation.
func NewEngine(ctx context.Context, backend Backend, opts Options) (*Engine, error) {
	opts = opts.withDefaults()
	if err := backend.EnsureIndexes(ctx); err != nil {
		return nil, wrapStorage("ensure indexes", err)
	}
	generator := opts.CheckpointGenerator
	if generator == nil {
		switch opts.CheckpointStrategy {
		case AlwaysQueryCheckpoints:
			generator = NewAlwaysQueryCheckpointGenerator(backend)
		default:
			g, err := NewInMemoryCheckpointGenerator(ctx, backend)
			if err != nil {
				return nil, wrapStorage("read last checkpoint", err)
			}
			generator = g
		}
	}
	e := &Engine{
		backend:   backend,
		codec:     NewCodec(opts.Serializer, opts.Codec),
		generator: generator,
		opts:      opts,
		log:       opts.Logger,
		tracer:    opts.Tracer,
	}
	e.log.Info("persistence engine initialized")
	return e, nil
}

// Codec returns the codec the engine encodes documents with.
func (e *Engine) Codec() *Codec {
	return e.codec
}

// Commit persists the attempt and returns it with its checkpoint.
func (e *Engine) Commit(ctx context.Context, attempt CommitAttempt) (_ Commit, err error) {
	if err := e.checkDisposed(); err != nil {
		return Commit{}, err
	}
	ctx, span := e.tracer.Start(ctx, "commitdb.Commit", trace.WithAttributes(
		attribute.String("commitdb.bucket", attempt.BucketID),
		attribute.String("commitdb.stream", attempt.StreamID),
		attribute.Int("commitdb.commit_sequence", attempt.CommitSequence),
	))
	defer func() { finish(span, err) }()

	if err := validateAttempt(attempt); err != nil {
		return Commit{}, err
	}
	if attempt.CommitStamp.IsZero() {
		attempt.CommitStamp = time.Now()
	}
	attempt.CommitStamp = attempt.CommitStamp.UTC()

	for {
		checkpoint, err := e.generator.Next(ctx)
		if err != nil {
			return Commit{}, wrapStorage("next checkpoint", err)
		}
		doc, err := e.codec.ToStorageDocument(attempt, checkpoint)
		if err != nil {
			return Commit{}, err
		}
		err = e.backend.InsertCommit(ctx, doc)
		if err == nil {
			span.SetAttributes(attribute.Int64("commitdb.checkpoint", checkpoint))
			e.log.WithFields(log.Fields{
				"bucket":     attempt.BucketID,
				"stream":     attempt.StreamID,
				"checkpoint": checkpoint,
			}).Debug("commit persisted")
			e.updateStreamHead(attempt.BucketID, attempt.StreamID, attempt.StreamRevision)
			return Commit{CommitAttempt: attempt, Checkpoint: Checkpoint(checkpoint)}, nil
		}

		var dup *DuplicateKeyError
		if !errors.As(err, &dup) {
			return Commit{}, wrapStorage("insert commit", err)
		}
		switch {
		case dup.Violates(CheckpointIndex):
			e.log.WithFields(log.Fields{
				"checkpoint": checkpoint,
				"bucket":     attempt.BucketID,
				"stream":     attempt.StreamID,
			}).Warn("checkpoint already taken, renumbering commit")
			span.AddEvent("checkpoint collision", trace.WithAttributes(attribute.Int64("commitdb.checkpoint", checkpoint)))
			if err := e.generator.SignalDuplicateID(ctx, checkpoint); err != nil {
				return Commit{}, wrapStorage("resync checkpoint", err)
			}
			if err := ctx.Err(); err != nil {
				return Commit{}, err
			}
		case dup.Violates(LogicalKeyIndex):
			return Commit{}, e.resolveStreamConflict(ctx, attempt, checkpoint)
		default:
			return Commit{}, wrapStorage("insert commit", err)
		}
	}
}

// resolveStreamConflict tells a retried request apart from a lost race for the position.
func (e *Engine) resolveStreamConflict(ctx context.Context, attempt CommitAttempt, checkpoint int64) error {
	if e.opts.FillHoles {
		e.fillHole(ctx, attempt, checkpoint)
	}
	existing, err := e.backend.FindCommitByID(ctx, attempt.BucketID, attempt.StreamID, attempt.CommitID.String())
	if err != nil {
		return wrapStorage("find commit", err)
	}
	if existing != nil && existing.CommitID == attempt.CommitID.String() {
		return &DuplicateCommitError{BucketID: attempt.BucketID, StreamID: attempt.StreamID, CommitID: attempt.CommitID}
	}
	return &ConcurrencyError{BucketID: attempt.BucketID, StreamID: attempt.StreamID, CommitSequence: attempt.CommitSequence}
}

// fillHole occupies an allocated checkpoint with an empty commit. Failures only affect
// gap visibility and are not reported to the caller.
func (e *Engine) fillHole(ctx context.Context, attempt CommitAttempt, checkpoint int64) {
	doc := e.codec.ToEmptyCommit(attempt, checkpoint, SystemBucket)
	if err := e.backend.InsertCommit(ctx, doc); err != nil {
		e.log.WithError(err).WithField("checkpoint", checkpoint).Warn("failed to fill checkpoint hole")
		return
	}
	e.log.WithField("checkpoint", checkpoint).Debug("checkpoint hole filled")
}

// updateStreamHead runs in the background; the commit already succeeded whatever happens here.
func (e *Engine) updateStreamHead(bucketID, streamID string, headRevision int) {
	e.background(func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.opts.StreamHeadTimeout)
		defer cancel()
		if err := e.backend.UpsertStreamHead(ctx, bucketID, streamID, headRevision); err != nil {
			e.log.WithError(err).WithFields(log.Fields{
				"bucket": bucketID,
				"stream": streamID,
			}).Warn("failed to update stream head")
		}
	})
}

func (e *Engine) background(fn func()) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.pending.Add(1)
	e.mu.Unlock()
	go func() {
		defer e.pending.Done()
		fn()
	}()
}

// Flush waits for pending background stream head updates.
func (e *Engine) Flush() {
	e.pending.Wait()
}

// Close disposes the engine. Pending stream head updates are awaited, then the backend
// is closed. Every later call fails with ErrDisposed.
func (e *Engine) Close() error {
	if !atomic.CompareAndSwapInt32(&e.disposed, 0, 1) {
		return nil
	}
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.pending.Wait()
	e.log.Info("persistence engine disposed")
	return e.backend.Close()
}

func (e *Engine) IsDisposed() bool {
	return atomic.LoadInt32(&e.disposed) == 1
}

func (e *Engine) checkDisposed() error {
	if e.IsDisposed() {
		return ErrDisposed
	}
	return nil
}

func validateAttempt(a CommitAttempt) error {
	switch {
	case a.BucketID == "":
		return errors.Wrap(ErrInvalidAttempt, "bucket id is empty")
	case a.BucketID == RecycleBinBucket || a.BucketID == SystemBucket:
		return errors.Wrapf(ErrInvalidAttempt, "bucket %q is reserved", a.BucketID)
	case a.StreamID == "":
		return errors.Wrap(ErrInvalidAttempt, "stream id is empty")
	case a.CommitID == uuid.Nil:
		return errors.Wrap(ErrInvalidAttempt, "commit id is empty")
	case a.CommitSequence <= 0:
		return errors.Wrap(ErrInvalidAttempt, "commit sequence must be positive")
	case len(a.Events) == 0:
		return errors.Wrap(ErrInvalidAttempt, "commit has no events")
	case a.StreamRevision < len(a.Events):
		return errors.Wrap(ErrInvalidAttempt, "stream revision is lower than the number of events")
	}
	return nil
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
