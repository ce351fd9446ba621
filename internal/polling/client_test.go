package polling

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/snowflk/commitdb/internal/persistence"
	"github.com/snowflk/commitdb/internal/persistence/boltstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

type store struct {
	t       *testing.T
	backend persistence.Backend
	engine  *persistence.Engine
}

func newStore(t *testing.T) *store {
	backend, err := boltstore.New(boltstore.Options{Path: filepath.Join(t.TempDir(), "commits.db"), NoSync: true})
	require.NoError(t, err)
	engine, err := persistence.NewEngine(context.Background(), backend, persistence.Options{PageSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	return &store{t: t, backend: backend, engine: engine}
}

// put writes a commit at a chosen checkpoint, the way a concurrent writer could.
func (s *store) put(checkpoint int64, bucketID string) {
	attempt := persistence.CommitAttempt{
		BucketID:       bucketID,
		StreamID:       "stream",
		CommitID:       persistence.NewCommitID(),
		CommitSequence: int(checkpoint),
		StreamRevision: int(checkpoint),
		CommitStamp:    time.Now(),
		Events:         []persistence.EventMessage{{Body: map[string]interface{}{"checkpoint": checkpoint}}},
	}
	doc, err := s.engine.Codec().ToStorageDocument(attempt, checkpoint)
	require.NoError(s.t, err)
	require.NoError(s.t, s.backend.InsertCommit(context.Background(), doc))
}

// recorder collects what the client delivered.
type recorder struct {
	mu       sync.Mutex
	received []persistence.Checkpoint
	notify   chan persistence.Checkpoint
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan persistence.Checkpoint, 100)}
}

func (r *recorder) handle(_ context.Context, c persistence.Commit) HandlingResult {
	r.mu.Lock()
	r.received = append(r.received, c.Checkpoint)
	r.mu.Unlock()
	r.notify <- c.Checkpoint
	return MoveToNext
}

func (r *recorder) checkpoints() []persistence.Checkpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]persistence.Checkpoint(nil), r.received...)
}

func (r *recorder) waitFor(t *testing.T, checkpoint persistence.Checkpoint) {
	timeout := time.After(waitFor)
	for {
		select {
		case got := <-r.notify:
			if got == checkpoint {
				return
			}
		case <-timeout:
			t.Fatalf("checkpoint %d was not delivered, got %v", checkpoint, r.checkpoints())
		}
	}
}

func TestClient_SkipsGaps(t *testing.T) {
	s := newStore(t)
	s.put(1, "default")
	s.put(3, "default")

	r := newRecorder()
	client := New(s.engine, r.handle, Options{Interval: 10 * time.Millisecond})
	require.NoError(t, client.Start(0))
	defer client.Stop()

	r.waitFor(t, 3)
	assert.Equal(t, []persistence.Checkpoint{1, 3}, r.checkpoints())
	assert.Equal(t, persistence.Checkpoint(3), client.Position())
}

func TestClient_WaitsForHoles(t *testing.T) {
	s := newStore(t)
	s.put(1, "default")
	s.put(3, "default")

	r := newRecorder()
	client := New(s.engine, r.handle, Options{Interval: 10 * time.Millisecond, HoleWait: time.Second})
	require.NoError(t, client.Start(0))
	defer client.Stop()

	r.waitFor(t, 1)
	// the late writer lands inside the hole wait
	s.put(2, "default")
	r.waitFor(t, 3)
	assert.Equal(t, []persistence.Checkpoint{1, 2, 3}, r.checkpoints())
}

func TestClient_GivesUpOnHoles(t *testing.T) {
	s := newStore(t)
	s.put(1, "default")
	s.put(3, "default")

	r := newRecorder()
	client := New(s.engine, r.handle, Options{Interval: 10 * time.Millisecond, HoleWait: 20 * time.Millisecond})
	require.NoError(t, client.Start(0))
	defer client.Stop()

	r.waitFor(t, 3)
	assert.Equal(t, []persistence.Checkpoint{1, 3}, r.checkpoints())
}

func TestClient_SkipsPlaceholders(t *testing.T) {
	s := newStore(t)
	s.put(1, "default")
	s.put(2, persistence.SystemBucket)
	s.put(3, "default")

	r := newRecorder()
	client := New(s.engine, r.handle, Options{Interval: 10 * time.Millisecond, HoleWait: time.Minute})
	require.NoError(t, client.Start(0))
	defer client.Stop()

	r.waitFor(t, 3)
	assert.Equal(t, []persistence.Checkpoint{1, 3}, r.checkpoints())
}

func TestClient_StartsFromCheckpoint(t *testing.T) {
	s := newStore(t)
	for cp := int64(1); cp <= 5; cp++ {
		s.put(cp, "default")
	}

	r := newRecorder()
	client := New(s.engine, r.handle, Options{Interval: 10 * time.Millisecond})
	require.NoError(t, client.Start(3))
	defer client.Stop()

	r.waitFor(t, 5)
	assert.Equal(t, []persistence.Checkpoint{4, 5}, r.checkpoints())
	assert.Equal(t, ErrAlreadyStarted, client.Start(0))
}

func TestClient_PicksUpNewCommits(t *testing.T) {
	s := newStore(t)
	r := newRecorder()
	client := New(s.engine, r.handle, Options{Interval: time.Hour})
	require.NoError(t, client.Start(0))
	defer client.Stop()

	c, err := s.engine.Commit(context.Background(), persistence.CommitAttempt{
		BucketID:       "default",
		StreamID:       "late",
		CommitID:       persistence.NewCommitID(),
		CommitSequence: 1,
		StreamRevision: 1,
		Events:         []persistence.EventMessage{{Body: "x"}},
	})
	require.NoError(t, err)
	client.PollNow()
	r.waitFor(t, c.Checkpoint)
}

func TestClient_HandlerStop(t *testing.T) {
	s := newStore(t)
	for cp := int64(1); cp <= 4; cp++ {
		s.put(cp, "default")
	}

	var seen []persistence.Checkpoint
	client := New(s.engine, func(_ context.Context, c persistence.Commit) HandlingResult {
		seen = append(seen, c.Checkpoint)
		if c.Checkpoint == 3 {
			return Stop
		}
		return MoveToNext
	}, Options{Interval: 10 * time.Millisecond})
	require.NoError(t, client.Start(0))

	select {
	case <-client.Done():
	case <-time.After(waitFor):
		t.Fatal("client did not stop")
	}
	assert.Equal(t, []persistence.Checkpoint{1, 2, 3}, seen)
	assert.Equal(t, persistence.Checkpoint(2), client.Position())
	client.Stop()
}

func TestClient_HandlerRetry(t *testing.T) {
	s := newStore(t)
	s.put(1, "default")
	s.put(2, "default")

	var mu sync.Mutex
	attempts := make(map[persistence.Checkpoint]int)
	client := New(s.engine, func(_ context.Context, c persistence.Commit) HandlingResult {
		mu.Lock()
		defer mu.Unlock()
		attempts[c.Checkpoint]++
		if c.Checkpoint == 1 && attempts[c.Checkpoint] < 3 {
			return Retry
		}
		return MoveToNext
	}, Options{Interval: 5 * time.Millisecond})
	require.NoError(t, client.Start(0))
	defer client.Stop()

	assert.Eventually(t, func() bool { return client.Position() == 2 }, waitFor, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, attempts[1])
	assert.Equal(t, 1, attempts[2])
}

// flakyReader fails a number of reads before handing over to the engine.
type flakyReader struct {
	Reader
	mu       sync.Mutex
	failures int
}

func (r *flakyReader) Observe(ctx context.Context, q persistence.Query, obs persistence.Observer) error {
	r.mu.Lock()
	fail := r.failures > 0
	r.failures--
	r.mu.Unlock()
	if fail {
		err := persistence.Unavailable("find commits", errors.New("connection refused"))
		obs.OnError(err)
		return err
	}
	return r.Reader.Observe(ctx, q, obs)
}

func TestClient_RetriesReadErrors(t *testing.T) {
	s := newStore(t)
	s.put(1, "default")

	r := newRecorder()
	reader := &flakyReader{Reader: s.engine, failures: 3}
	client := New(reader, r.handle, Options{
		Interval: time.Hour,
		Backoff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(5 * time.Millisecond)
		},
	})
	require.NoError(t, client.Start(0))
	defer client.Stop()

	r.waitFor(t, 1)
}

func TestClient_GivesUpWhenBackoffStops(t *testing.T) {
	s := newStore(t)
	reader := &flakyReader{Reader: s.engine, failures: 100}
	client := New(reader, newRecorder().handle, Options{
		Backoff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 2)
		},
	})
	require.NoError(t, client.Start(0))

	select {
	case <-client.Done():
	case <-time.After(waitFor):
		t.Fatal("client kept polling")
	}
}

func TestClient_StopWithoutStart(t *testing.T) {
	client := New(nil, nil, Options{})
	client.Stop()
	assert.Equal(t, persistence.Checkpoint(0), client.Position())
}
