package testsuite

import (
	"github.com/snowflk/commitdb/internal/persistence"
)

// Test for deleting a stream
// The stream disappears from its bucket, its commits move to the recycle bin with their checkpoints
func (s *persistenceModuleTestSuite) TestRecycleBin_DeleteStream() {
	streamID := newStreamID()
	other := newStreamID()
	for seq := 1; seq <= 2; seq++ {
		_, err := s.engine.Commit(s.ctx, attempt(testBucket, streamID, seq, 1))
		s.Require().NoError(err)
	}
	_, err := s.engine.Commit(s.ctx, attempt(testBucket, other, 1, 1))
	s.Require().NoError(err)
	s.Require().NoError(s.engine.AddSnapshot(s.ctx, persistence.Snapshot{
		BucketID: testBucket, StreamID: streamID, StreamRevision: 2, Payload: map[string]interface{}{"n": "2"},
	}))

	s.Require().NoError(s.engine.DeleteStream(s.ctx, testBucket, streamID))

	commits, err := s.engine.GetFrom(s.ctx, testBucket, streamID, 0, 0)
	s.Require().NoError(err)
	s.Assert().Empty(commits)

	live, err := s.engine.GetFromCheckpoint(s.ctx, 0)
	s.Require().NoError(err)
	s.Assert().Equal([]persistence.Checkpoint{3}, checkpoints(live))

	all, err := s.engine.Get(s.ctx, persistence.CheckpointRange(0, 3).IncludeDeleted())
	s.Require().NoError(err)
	s.Require().Equal([]persistence.Checkpoint{1, 2, 3}, checkpoints(all))
	s.Assert().Equal(persistence.RecycleBinBucket, all[0].BucketID)
	s.Assert().Equal(streamID, all[0].StreamID)
	s.Assert().Equal(persistence.RecycleBinBucket, all[1].BucketID)
	s.Assert().Equal(testBucket, all[2].BucketID)

	deleted, err := s.engine.GetDeletedCommits(s.ctx)
	s.Require().NoError(err)
	s.Assert().Equal([]persistence.Checkpoint{1, 2}, checkpoints(deleted))

	snapshot, err := s.engine.GetSnapshot(s.ctx, testBucket, streamID, 0)
	s.Require().NoError(err)
	s.Assert().Nil(snapshot)
	s.engine.Flush()
	heads, err := s.engine.GetStreamsToSnapshot(s.ctx, testBucket, 0)
	s.Require().NoError(err)
	s.Require().Len(heads, 1)
	s.Assert().Equal(other, heads[0].StreamID)
}

// Test for a stream that is deleted, written again and deleted again
// Recycled commits never collide with each other
func (s *persistenceModuleTestSuite) TestRecycleBin_DeleteStream_Recreated() {
	streamID := newStreamID()
	for round := 0; round < 2; round++ {
		_, err := s.engine.Commit(s.ctx, attempt(testBucket, streamID, 1, 1))
		s.Require().NoError(err, "round %d", round)
		s.Require().NoError(s.engine.DeleteStream(s.ctx, testBucket, streamID), "round %d", round)
	}

	deleted, err := s.engine.GetDeletedCommits(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(deleted, 2)
	s.Assert().Equal(deleted[0].StreamID, deleted[1].StreamID)
	s.Assert().Equal(deleted[0].CommitSequence, deleted[1].CommitSequence)
}

// Test for emptying the recycle bin
// Only the recycled commit with the highest checkpoint survives, even below a live commit
func (s *persistenceModuleTestSuite) TestRecycleBin_Empty() {
	first, second := newStreamID(), newStreamID()
	for seq := 1; seq <= 2; seq++ {
		_, err := s.engine.Commit(s.ctx, attempt(testBucket, first, seq, 1))
		s.Require().NoError(err)
		_, err = s.engine.Commit(s.ctx, attempt(testBucket, second, seq, 1))
		s.Require().NoError(err)
	}
	live, err := s.engine.Commit(s.ctx, attempt(testBucket, newStreamID(), 1, 1))
	s.Require().NoError(err)
	s.Require().NoError(s.engine.DeleteStream(s.ctx, testBucket, first))
	s.Require().NoError(s.engine.DeleteStream(s.ctx, testBucket, second))

	s.Require().NoError(s.engine.EmptyRecycleBin(s.ctx))

	deleted, err := s.engine.GetDeletedCommits(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(deleted, 1)
	s.Assert().Equal(persistence.Checkpoint(4), deleted[0].Checkpoint)
	s.Assert().Equal(second, deleted[0].StreamID)

	remaining, err := s.engine.GetFromCheckpoint(s.ctx, 0)
	s.Require().NoError(err)
	s.Assert().Equal([]persistence.Checkpoint{live.Checkpoint}, checkpoints(remaining))

	// emptying twice keeps the same survivor
	s.Require().NoError(s.engine.EmptyRecycleBin(s.ctx))
	deleted, err = s.engine.GetDeletedCommits(s.ctx)
	s.Require().NoError(err)
	s.Assert().Equal([]persistence.Checkpoint{4}, checkpoints(deleted))
}

// Test for purging a single bucket
func (s *persistenceModuleTestSuite) TestRecycleBin_PurgeBucket() {
	keep := newStreamID()
	_, err := s.engine.Commit(s.ctx, attempt("keep", keep, 1, 1))
	s.Require().NoError(err)
	_, err = s.engine.Commit(s.ctx, attempt("drop", newStreamID(), 1, 1))
	s.Require().NoError(err)
	s.engine.Flush()

	s.Require().NoError(s.engine.PurgeBucket(s.ctx, "drop"))

	commits, err := s.engine.GetFromCheckpoint(s.ctx, 0)
	s.Require().NoError(err)
	s.Require().Len(commits, 1)
	s.Assert().Equal("keep", commits[0].BucketID)

	heads, err := s.engine.GetStreamsToSnapshot(s.ctx, "drop", 0)
	s.Require().NoError(err)
	s.Assert().Empty(heads)
	heads, err = s.engine.GetStreamsToSnapshot(s.ctx, "keep", 0)
	s.Require().NoError(err)
	s.Assert().Len(heads, 1)
}

// Test for purging the whole store
// Numbering keeps going from the in-memory counter of the running engine
func (s *persistenceModuleTestSuite) TestRecycleBin_Purge() {
	for i := 0; i < 3; i++ {
		_, err := s.engine.Commit(s.ctx, attempt(testBucket, newStreamID(), 1, 1))
		s.Require().NoError(err)
	}
	s.Require().NoError(s.engine.Purge(s.ctx))

	commits, err := s.engine.Get(s.ctx, persistence.CheckpointRange(0, 0).IncludeDeleted())
	s.Require().NoError(err)
	s.Assert().Empty(commits)
	s.engine.Flush()
	heads, err := s.engine.GetStreamsToSnapshot(s.ctx, testBucket, 0)
	s.Require().NoError(err)
	s.Assert().Empty(heads)

	fresh := s.newPeerEngine(persistence.Options{})
	defer fresh.Close()
	c, err := fresh.Commit(s.ctx, attempt(testBucket, newStreamID(), 1, 1))
	s.Require().NoError(err)
	s.Assert().Equal(persistence.Checkpoint(1), c.Checkpoint)
	fresh.Flush()
}
