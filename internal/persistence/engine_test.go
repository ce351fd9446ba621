package persistence_test

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/snowflk/commitdb/internal/persistence"
	"github.com/snowflk/commitdb/internal/persistence/boltstore"
	_assert "github.com/stretchr/testify/assert"
	_require "github.com/stretchr/testify/require"
)

// faultyBackend injects errors in front of a working backend.
type faultyBackend struct {
	persistence.Backend
	insertErr func(doc *persistence.CommitDocument) error
	findErr   error
	headErr   error
	headDelay time.Duration
	calls     int32
}

func (b *faultyBackend) InsertCommit(ctx context.Context, doc *persistence.CommitDocument) error {
	atomic.AddInt32(&b.calls, 1)
	if b.insertErr != nil {
		if err := b.insertErr(doc); err != nil {
			return err
		}
	}
	return b.Backend.InsertCommit(ctx, doc)
}

func (b *faultyBackend) FindCommits(ctx context.Context, filter persistence.CommitFilter) (persistence.CommitCursor, error) {
	atomic.AddInt32(&b.calls, 1)
	if b.findErr != nil {
		return nil, b.findErr
	}
	return b.Backend.FindCommits(ctx, filter)
}

func (b *faultyBackend) UpsertStreamHead(ctx context.Context, bucketID, streamID string, headRevision int) error {
	atomic.AddInt32(&b.calls, 1)
	time.Sleep(b.headDelay)
	if b.headErr != nil {
		return b.headErr
	}
	return b.Backend.UpsertStreamHead(ctx, bucketID, streamID, headRevision)
}

func (b *faultyBackend) UpsertSnapshot(ctx context.Context, doc *persistence.SnapshotDocument) error {
	atomic.AddInt32(&b.calls, 1)
	return b.Backend.UpsertSnapshot(ctx, doc)
}

func (b *faultyBackend) FindSnapshot(ctx context.Context, bucketID, streamID string, maxRevision int) (*persistence.SnapshotDocument, error) {
	atomic.AddInt32(&b.calls, 1)
	return b.Backend.FindSnapshot(ctx, bucketID, streamID, maxRevision)
}

func (b *faultyBackend) FindStreamHeads(ctx context.Context, bucketID string, minUnsnapshotted int) ([]persistence.StreamHeadDocument, error) {
	atomic.AddInt32(&b.calls, 1)
	return b.Backend.FindStreamHeads(ctx, bucketID, minUnsnapshotted)
}

func newFaultyEngine(t *testing.T, opts persistence.Options) (*persistence.Engine, *faultyBackend) {
	storage, err := boltstore.New(boltstore.Options{Path: filepath.Join(t.TempDir(), "commits.db"), NoSync: true})
	_require.NoError(t, err)
	backend := &faultyBackend{Backend: storage}
	engine, err := persistence.NewEngine(context.Background(), backend, opts)
	_require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	return engine, backend
}

func newAttempt(streamID string, commitSequence int) persistence.CommitAttempt {
	return persistence.CommitAttempt{
		BucketID:       persistence.DefaultBucket,
		StreamID:       streamID,
		CommitID:       persistence.NewCommitID(),
		CommitSequence: commitSequence,
		StreamRevision: commitSequence,
		Events:         []persistence.EventMessage{{Body: map[string]interface{}{"n": commitSequence}}},
	}
}

func TestEngine_StorageErrors(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		expected error
	}{
		{name: "unavailable", err: persistence.Unavailable("insert", errors.New("connection refused")), expected: persistence.ErrStorageUnavailable},
		{name: "fault", err: errors.New("disk full"), expected: persistence.ErrStorageFault},
		{name: "deadline", err: context.DeadlineExceeded, expected: context.DeadlineExceeded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			engine, backend := newFaultyEngine(t, persistence.Options{})
			backend.insertErr = func(*persistence.CommitDocument) error { return tc.err }

			_, err := engine.Commit(context.Background(), newAttempt("s", 1))
			_assert.True(t, errors.Is(err, tc.expected), "unexpected error %v", err)
		})
	}
}

func TestEngine_InvalidAttempts(t *testing.T) {
	engine, backend := newFaultyEngine(t, persistence.Options{})
	cases := []struct {
		name   string
		mutate func(a *persistence.CommitAttempt)
	}{
		{name: "no bucket", mutate: func(a *persistence.CommitAttempt) { a.BucketID = "" }},
		{name: "recycle bin", mutate: func(a *persistence.CommitAttempt) { a.BucketID = persistence.RecycleBinBucket }},
		{name: "system bucket", mutate: func(a *persistence.CommitAttempt) { a.BucketID = persistence.SystemBucket }},
		{name: "no stream", mutate: func(a *persistence.CommitAttempt) { a.StreamID = "" }},
		{name: "no commit id", mutate: func(a *persistence.CommitAttempt) { a.CommitID = persistence.CommitID{} }},
		{name: "no sequence", mutate: func(a *persistence.CommitAttempt) { a.CommitSequence = 0 }},
		{name: "no events", mutate: func(a *persistence.CommitAttempt) { a.Events = nil }},
		{name: "revision too low", mutate: func(a *persistence.CommitAttempt) { a.StreamRevision = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := newAttempt("s", 1)
			tc.mutate(&a)
			_, err := engine.Commit(context.Background(), a)
			_assert.True(t, errors.Is(err, persistence.ErrInvalidAttempt), "unexpected error %v", err)
		})
	}
	_assert.Equal(t, int32(0), atomic.LoadInt32(&backend.calls))
}

func TestEngine_HoleFillFailureIsSwallowed(t *testing.T) {
	assert := _assert.New(t)
	ctx := context.Background()
	engine, backend := newFaultyEngine(t, persistence.Options{FillHoles: true})
	backend.insertErr = func(doc *persistence.CommitDocument) error {
		if doc.BucketID == persistence.SystemBucket {
			return errors.New("cannot write placeholder")
		}
		return nil
	}

	_, err := engine.Commit(ctx, newAttempt("s", 1))
	assert.NoError(err)
	_, err = engine.Commit(ctx, newAttempt("s", 1))
	assert.True(errors.Is(err, persistence.ErrConcurrency), "unexpected error %v", err)

	next, err := engine.Commit(ctx, newAttempt("t", 1))
	assert.NoError(err)
	assert.Equal(persistence.Checkpoint(3), next.Checkpoint)

	commits, err := engine.GetFromCheckpoint(ctx, 0)
	assert.NoError(err)
	assert.Len(commits, 2)
}

func TestEngine_StreamHeadFailureKeepsCommit(t *testing.T) {
	assert := _assert.New(t)
	ctx := context.Background()
	engine, backend := newFaultyEngine(t, persistence.Options{StreamHeadTimeout: time.Second})
	backend.headErr = errors.New("stream heads are read-only")

	c, err := engine.Commit(ctx, newAttempt("s", 1))
	assert.NoError(err)
	assert.Equal(persistence.Checkpoint(1), c.Checkpoint)
	engine.Flush()

	heads, err := engine.GetStreamsToSnapshot(ctx, persistence.DefaultBucket, 0)
	assert.NoError(err)
	assert.Empty(heads)
}

func TestEngine_DeleteStreamAwaitsSlowHeadUpdate(t *testing.T) {
	assert := _assert.New(t)
	ctx := context.Background()
	engine, backend := newFaultyEngine(t, persistence.Options{StreamHeadTimeout: time.Second})
	backend.headDelay = 50 * time.Millisecond

	_, err := engine.Commit(ctx, newAttempt("doomed", 1))
	assert.NoError(err)
	assert.NoError(engine.DeleteStream(ctx, persistence.DefaultBucket, "doomed"))
	engine.Flush()

	heads, err := engine.GetStreamsToSnapshot(ctx, persistence.DefaultBucket, 0)
	assert.NoError(err)
	assert.Empty(heads)
}

func TestEngine_PurgeAwaitsSlowHeadUpdate(t *testing.T) {
	assert := _assert.New(t)
	ctx := context.Background()
	engine, backend := newFaultyEngine(t, persistence.Options{StreamHeadTimeout: time.Second})
	backend.headDelay = 50 * time.Millisecond

	_, err := engine.Commit(ctx, newAttempt("s", 1))
	assert.NoError(err)
	assert.NoError(engine.Purge(ctx))
	engine.Flush()

	heads, err := engine.GetStreamsToSnapshot(ctx, persistence.DefaultBucket, 0)
	assert.NoError(err)
	assert.Empty(heads)
}

func TestEngine_SnapshotsDisabled(t *testing.T) {
	assert := _assert.New(t)
	ctx := context.Background()
	engine, backend := newFaultyEngine(t, persistence.Options{DisableSnapshots: true})

	err := engine.AddSnapshot(ctx, persistence.Snapshot{BucketID: "b", StreamID: "s", StreamRevision: 1, Payload: map[string]interface{}{}})
	assert.True(errors.Is(err, persistence.ErrSnapshotsDisabled))
	_, err = engine.GetSnapshot(ctx, "b", "s", 0)
	assert.True(errors.Is(err, persistence.ErrSnapshotsDisabled))
	_, err = engine.GetStreamsToSnapshot(ctx, "b", 1)
	assert.True(errors.Is(err, persistence.ErrSnapshotsDisabled))
	assert.Equal(int32(0), atomic.LoadInt32(&backend.calls))
}

func TestEngine_ObserveError(t *testing.T) {
	assert := _assert.New(t)
	engine, backend := newFaultyEngine(t, persistence.Options{})
	backend.findErr = persistence.Unavailable("find", errors.New("connection reset"))

	var failures []error
	completed := 0
	err := engine.Observe(context.Background(), persistence.FromCheckpoint(0), persistence.ObserverFuncs{
		Error:     func(err error) { failures = append(failures, err) },
		Completed: func() { completed++ },
	})
	assert.True(errors.Is(err, persistence.ErrStorageUnavailable))
	assert.Len(failures, 1)
	assert.Equal(0, completed)

	_, err = engine.GetFromCheckpoint(context.Background(), 0)
	assert.True(errors.Is(err, persistence.ErrStorageUnavailable))
}

func TestEngine_Disposed(t *testing.T) {
	assert := _assert.New(t)
	ctx := context.Background()
	engine, _ := newFaultyEngine(t, persistence.Options{})

	assert.NoError(engine.Close())
	assert.NoError(engine.Close())
	assert.True(engine.IsDisposed())

	_, err := engine.Commit(ctx, newAttempt("s", 1))
	assert.True(errors.Is(err, persistence.ErrDisposed))
	_, err = engine.GetFromCheckpoint(ctx, 0)
	assert.True(errors.Is(err, persistence.ErrDisposed))
	assert.True(errors.Is(engine.DeleteStream(ctx, persistence.DefaultBucket, "s"), persistence.ErrDisposed))
	assert.True(errors.Is(engine.Purge(ctx), persistence.ErrDisposed))
	_, err = engine.GetSnapshot(ctx, "b", "s", 0)
	assert.True(errors.Is(err, persistence.ErrDisposed))
}
