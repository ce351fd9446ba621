package testsuite

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/snowflk/commitdb/internal/persistence"
)

// Test for the numbering of a fresh store
// Checkpoints are handed out from 1 and are never reused, not even after a stream is deleted
func (s *persistenceModuleTestSuite) TestCommitKeeper_Commit_Numbering() {
	streamID := newStreamID()
	first := attempt(testBucket, streamID, 1, 1)
	first.StreamRevision = 2

	c1, err := s.engine.Commit(s.ctx, first)
	s.Require().NoError(err)
	s.Assert().Equal(persistence.Checkpoint(1), c1.Checkpoint)

	second := attempt(testBucket, streamID, 2, 1)
	second.StreamRevision = 3
	c2, err := s.engine.Commit(s.ctx, second)
	s.Require().NoError(err)
	s.Assert().Equal(persistence.Checkpoint(2), c2.Checkpoint)

	s.Require().NoError(s.engine.DeleteStream(s.ctx, testBucket, streamID))

	c3, err := s.engine.Commit(s.ctx, attempt(testBucket, newStreamID(), 1, 1))
	s.Require().NoError(err)
	s.Assert().Equal(persistence.Checkpoint(3), c3.Checkpoint)
}

// Test for concurrent writers on distinct streams
// Every commit gets its own checkpoint and the global read returns them in order
func (s *persistenceModuleTestSuite) TestCommitKeeper_Commit_Concurrent() {
	nWriters := 20
	nCommits := 5

	var mu sync.Mutex
	assigned := make(map[persistence.Checkpoint]string)
	var wg sync.WaitGroup
	wg.Add(nWriters)
	for w := 0; w < nWriters; w++ {
		go func(w int) {
			defer wg.Done()
			streamID := fmt.Sprintf("writer-%d-%s", w, newStreamID())
			for seq := 1; seq <= nCommits; seq++ {
				c, err := s.engine.Commit(s.ctx, attempt(testBucket, streamID, seq, 2))
				if !s.Assert().NoError(err, "writer %d commit %d", w, seq) {
					return
				}
				mu.Lock()
				_, taken := assigned[c.Checkpoint]
				s.Assert().False(taken, "checkpoint %s handed out twice", c.Checkpoint)
				assigned[c.Checkpoint] = streamID
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	s.Require().Len(assigned, nWriters*nCommits)

	commits, err := s.engine.GetFromCheckpoint(s.ctx, 0)
	s.Require().NoError(err)
	s.Require().Len(commits, nWriters*nCommits)
	s.Assert().True(sort.SliceIsSorted(commits, func(i, j int) bool {
		return commits[i].Checkpoint < commits[j].Checkpoint
	}), "global ordering is not satisfied")

	// within a stream, commit sequences follow the checkpoint order
	lastSeq := make(map[string]int)
	for _, c := range commits {
		s.Assert().Equal(assigned[c.Checkpoint], c.StreamID)
		s.Assert().Equal(lastSeq[c.StreamID]+1, c.CommitSequence)
		lastSeq[c.StreamID] = c.CommitSequence
	}
}

// Test for two writers claiming the same stream position
func (s *persistenceModuleTestSuite) TestCommitKeeper_Commit_ConcurrencyConflict() {
	streamID := newStreamID()
	_, err := s.engine.Commit(s.ctx, attempt(testBucket, streamID, 1, 1))
	s.Require().NoError(err)

	_, err = s.engine.Commit(s.ctx, attempt(testBucket, streamID, 1, 1))
	s.Require().Error(err)
	s.Assert().True(errors.Is(err, persistence.ErrConcurrency), "unexpected error %v", err)
	s.Assert().False(errors.Is(err, persistence.ErrDuplicateCommit))
	var conflict *persistence.ConcurrencyError
	s.Require().True(errors.As(err, &conflict))
	s.Assert().Equal(streamID, conflict.StreamID)
	s.Assert().Equal(1, conflict.CommitSequence)
}

// Test for a retried request
func (s *persistenceModuleTestSuite) TestCommitKeeper_Commit_Duplicate() {
	a := attempt(testBucket, newStreamID(), 1, 3)
	_, err := s.engine.Commit(s.ctx, a)
	s.Require().NoError(err)

	_, err = s.engine.Commit(s.ctx, a)
	s.Require().Error(err)
	s.Assert().True(errors.Is(err, persistence.ErrDuplicateCommit), "unexpected error %v", err)
	s.Assert().False(errors.Is(err, persistence.ErrConcurrency))

	commits, err := s.engine.GetFrom(s.ctx, a.BucketID, a.StreamID, 0, 0)
	s.Require().NoError(err)
	s.Assert().Len(commits, 1)
}

// Test for a stale in-memory generator
// The other engine took checkpoint 1, the stale one collides once and moves on to 2
func (s *persistenceModuleTestSuite) TestCommitKeeper_Commit_CheckpointCollision() {
	generator, err := persistence.NewInMemoryCheckpointGenerator(s.ctx, s.backend)
	s.Require().NoError(err)
	counting := &countingGenerator{CheckpointGenerator: generator}
	stale := s.newPeerEngine(persistence.Options{CheckpointGenerator: counting})
	defer stale.Close()

	c1, err := s.engine.Commit(s.ctx, attempt(testBucket, newStreamID(), 1, 1))
	s.Require().NoError(err)
	s.Require().Equal(persistence.Checkpoint(1), c1.Checkpoint)

	c2, err := stale.Commit(s.ctx, attempt(testBucket, newStreamID(), 1, 1))
	s.Require().NoError(err)
	s.Assert().Equal(persistence.Checkpoint(2), c2.Checkpoint)
	s.Assert().Equal([]int64{1}, counting.signals)
	s.Assert().Equal([]int64{1, 2}, counting.issued)
	s.Assert().NotEqual(counting.issued[0], int64(c2.Checkpoint))
	stale.Flush()
}

// Test for the always-query strategy sharing a store with an in-memory engine
func (s *persistenceModuleTestSuite) TestCommitKeeper_Commit_AlwaysQuery() {
	querying := s.newPeerEngine(persistence.Options{CheckpointStrategy: persistence.AlwaysQueryCheckpoints})
	defer querying.Close()

	for i := 0; i < 3; i++ {
		c, err := querying.Commit(s.ctx, attempt(testBucket, newStreamID(), 1, 1))
		s.Require().NoError(err)
		s.Assert().Equal(persistence.Checkpoint(i+1), c.Checkpoint)
	}
	// the in-memory engine still believes the store is empty
	c, err := s.engine.Commit(s.ctx, attempt(testBucket, newStreamID(), 1, 1))
	s.Require().NoError(err)
	s.Assert().Equal(persistence.Checkpoint(4), c.Checkpoint)
	querying.Flush()
}

// Test for hole filling
// The checkpoint allocated to a rejected commit is occupied by an empty system commit
func (s *persistenceModuleTestSuite) TestCommitKeeper_Commit_FillHoles() {
	filling := s.newPeerEngine(persistence.Options{FillHoles: true, CheckpointStrategy: persistence.AlwaysQueryCheckpoints})
	defer filling.Close()

	streamID := newStreamID()
	_, err := filling.Commit(s.ctx, attempt(testBucket, streamID, 1, 1))
	s.Require().NoError(err)
	_, err = filling.Commit(s.ctx, attempt(testBucket, streamID, 1, 1))
	s.Require().True(errors.Is(err, persistence.ErrConcurrency))

	commits, err := filling.GetFromCheckpoint(s.ctx, 0)
	s.Require().NoError(err)
	s.Require().Len(commits, 2)
	hole := commits[1]
	s.Assert().Equal(persistence.Checkpoint(2), hole.Checkpoint)
	s.Assert().Equal(persistence.SystemBucket, hole.BucketID)
	s.Assert().Equal("2", hole.StreamID)
	s.Assert().Empty(hole.Events)

	c, err := filling.Commit(s.ctx, attempt(testBucket, streamID, 2, 1))
	s.Require().NoError(err)
	s.Assert().Equal(persistence.Checkpoint(3), c.Checkpoint)
	filling.Flush()
}

// Test for a rejected commit without hole filling
// The allocated checkpoint stays empty and readers skip it
func (s *persistenceModuleTestSuite) TestCommitKeeper_Commit_LeavesHole() {
	streamID := newStreamID()
	_, err := s.engine.Commit(s.ctx, attempt(testBucket, streamID, 1, 1))
	s.Require().NoError(err)
	_, err = s.engine.Commit(s.ctx, attempt(testBucket, streamID, 1, 1))
	s.Require().True(errors.Is(err, persistence.ErrConcurrency))
	_, err = s.engine.Commit(s.ctx, attempt(testBucket, streamID, 2, 1))
	s.Require().NoError(err)

	commits, err := s.engine.GetFromCheckpoint(s.ctx, 0)
	s.Require().NoError(err)
	s.Assert().Equal([]persistence.Checkpoint{1, 3}, checkpoints(commits))
}

// Test for the content of a commit after a round trip through the backend
func (s *persistenceModuleTestSuite) TestCommitKeeper_Commit_RoundTrip() {
	encodings := []persistence.HeaderEncoding{
		persistence.HeadersAsDocument,
		persistence.HeadersAsArrayOfDocuments,
		persistence.HeadersAsArrayOfArrays,
	}
	for _, encoding := range encodings {
		engine := s.newPeerEngine(persistence.Options{Codec: persistence.CodecOptions{Headers: encoding, Payloads: persistence.PayloadBinary}})
		a := attempt(testBucket, newStreamID(), 1, 2)
		a.Headers = map[string]interface{}{
			"user.name":  "alice",
			"$set":       "x",
			"k:v/w":      "y",
			"with space": "z",
			"count":      json.Number("42"),
		}
		a.Events[0].Headers = map[string]interface{}{"event.type": "created"}
		committed, err := engine.Commit(s.ctx, a)
		s.Require().NoError(err)

		commits, err := engine.GetFrom(s.ctx, a.BucketID, a.StreamID, 0, 0)
		s.Require().NoError(err)
		s.Require().Len(commits, 1)
		read := commits[0]
		s.Assert().Equal(committed.Checkpoint, read.Checkpoint)
		s.Assert().Equal(a.BucketID, read.BucketID)
		s.Assert().Equal(a.StreamID, read.StreamID)
		s.Assert().Equal(a.CommitID, read.CommitID)
		s.Assert().Equal(a.CommitSequence, read.CommitSequence)
		s.Assert().Equal(a.StreamRevision, read.StreamRevision)
		s.Assert().True(a.CommitStamp.Equal(read.CommitStamp), "stamp %v != %v", a.CommitStamp, read.CommitStamp)
		s.Assert().Equal(a.Headers, read.Headers, "header encoding %d", encoding)
		s.Require().Len(read.Events, 2)
		s.Assert().Equal(bodyValue(a.Events[0]), bodyValue(read.Events[0]))
		s.Assert().Equal(bodyValue(a.Events[1]), bodyValue(read.Events[1]))
		s.Assert().Equal("created", read.Events[0].Headers["event.type"])
		engine.Flush()
		s.Require().NoError(engine.Close())
	}
}

// Test for disposal
// A closed engine fails fast and never reaches the backend
func (s *persistenceModuleTestSuite) TestCommitKeeper_Commit_Disposed() {
	engine := s.newPeerEngine(persistence.Options{})
	s.Require().NoError(engine.Close())
	s.Assert().True(engine.IsDisposed())

	_, err := engine.Commit(s.ctx, attempt(testBucket, newStreamID(), 1, 1))
	s.Assert().True(errors.Is(err, persistence.ErrDisposed))
	_, err = engine.GetFromCheckpoint(s.ctx, 0)
	s.Assert().True(errors.Is(err, persistence.ErrDisposed))
	s.Assert().True(errors.Is(engine.DeleteStream(s.ctx, testBucket, "x"), persistence.ErrDisposed))
	s.Assert().True(errors.Is(engine.Purge(s.ctx), persistence.ErrDisposed))
}

// Test for the stream head kept after every commit
func (s *persistenceModuleTestSuite) TestCommitKeeper_Commit_StreamHead() {
	streamID := newStreamID()
	for seq := 1; seq <= 3; seq++ {
		_, err := s.engine.Commit(s.ctx, attempt(testBucket, streamID, seq, 2))
		s.Require().NoError(err)
	}
	s.engine.Flush()

	heads, err := s.engine.GetStreamsToSnapshot(s.ctx, testBucket, 1)
	s.Require().NoError(err)
	s.Require().Len(heads, 1)
	s.Assert().Equal(streamID, heads[0].StreamID)
	s.Assert().Equal(6, heads[0].HeadRevision)
	s.Assert().Equal(0, heads[0].SnapshotRevision)
	s.Assert().Equal(6, heads[0].Unsnapshotted)
}
