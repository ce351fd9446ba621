package testsuite

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/snowflk/commitdb/internal/persistence"
)

// Test for reading a revision window of a stream
// Commits overlapping the window are returned, the others are not
func (s *persistenceModuleTestSuite) TestReadKeeper_GetFrom_RevisionWindow() {
	streamID := newStreamID()
	for seq := 1; seq <= 3; seq++ {
		_, err := s.engine.Commit(s.ctx, attempt(testBucket, streamID, seq, 2))
		s.Require().NoError(err)
	}

	commits, err := s.engine.GetFrom(s.ctx, testBucket, streamID, 3, 4)
	s.Require().NoError(err)
	s.Require().Len(commits, 1)
	s.Assert().Equal(2, commits[0].CommitSequence)

	commits, err = s.engine.GetFrom(s.ctx, testBucket, streamID, 2, 5)
	s.Require().NoError(err)
	s.Assert().Len(commits, 3)

	commits, err = s.engine.GetFrom(s.ctx, testBucket, streamID, 0, 0)
	s.Require().NoError(err)
	s.Assert().Len(commits, 3)
}

// Test for streams with the same id in different buckets
func (s *persistenceModuleTestSuite) TestReadKeeper_GetFrom_BucketIsolation() {
	streamID := newStreamID()
	_, err := s.engine.Commit(s.ctx, attempt("bucket-a", streamID, 1, 1))
	s.Require().NoError(err)
	_, err = s.engine.Commit(s.ctx, attempt("bucket-b", streamID, 1, 1))
	s.Require().NoError(err)

	a, err := s.engine.GetFrom(s.ctx, "bucket-a", streamID, 0, 0)
	s.Require().NoError(err)
	s.Require().Len(a, 1)
	s.Assert().Equal("bucket-a", a[0].BucketID)

	b, err := s.engine.Get(s.ctx, persistence.BucketFromCheckpoint("bucket-b", 0))
	s.Require().NoError(err)
	s.Require().Len(b, 1)
	s.Assert().Equal("bucket-b", b[0].BucketID)
}

// Test for reading a bucket by commit stamp
func (s *persistenceModuleTestSuite) TestReadKeeper_GetFromTime() {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		a := attempt(testBucket, newStreamID(), 1, 1)
		a.CommitStamp = base.Add(time.Duration(i) * time.Hour)
		_, err := s.engine.Commit(s.ctx, a)
		s.Require().NoError(err)
	}

	commits, err := s.engine.GetFromTime(s.ctx, testBucket, base.Add(2*time.Hour))
	s.Require().NoError(err)
	s.Assert().Len(commits, 3)

	commits, err = s.engine.GetFromTo(s.ctx, testBucket, base.Add(time.Hour), base.Add(3*time.Hour))
	s.Require().NoError(err)
	s.Require().Len(commits, 2)
	s.Assert().True(commits[0].CommitStamp.Equal(base.Add(time.Hour)))
	s.Assert().True(commits[1].CommitStamp.Equal(base.Add(2 * time.Hour)))
}

// Test for reads spanning many pages
func (s *persistenceModuleTestSuite) TestReadKeeper_GetFromCheckpoint_Paging() {
	nCommits := suitePageSize*5 + 1
	for i := 0; i < nCommits; i++ {
		_, err := s.engine.Commit(s.ctx, attempt(testBucket, newStreamID(), 1, 1))
		s.Require().NoError(err)
	}

	commits, err := s.engine.GetFromCheckpoint(s.ctx, 0)
	s.Require().NoError(err)
	s.Require().Len(commits, nCommits)
	for i, c := range commits {
		s.Assert().Equal(persistence.Checkpoint(i+1), c.Checkpoint)
	}

	commits, err = s.engine.GetFromCheckpoint(s.ctx, persistence.Checkpoint(nCommits-2))
	s.Require().NoError(err)
	s.Assert().Equal([]persistence.Checkpoint{persistence.Checkpoint(nCommits - 1), persistence.Checkpoint(nCommits)}, checkpoints(commits))

	commits, err = s.engine.GetFromToCheckpoint(s.ctx, 5, 10)
	s.Require().NoError(err)
	s.Assert().Equal([]persistence.Checkpoint{6, 7, 8, 9, 10}, checkpoints(commits))
}

// Test for an observer stopping the read
func (s *persistenceModuleTestSuite) TestReadKeeper_Observe_Stop() {
	for i := 0; i < 10; i++ {
		_, err := s.engine.Commit(s.ctx, attempt(testBucket, newStreamID(), 1, 1))
		s.Require().NoError(err)
	}

	var received []persistence.Checkpoint
	completed, failed := 0, 0
	err := s.engine.Observe(s.ctx, persistence.FromCheckpoint(0), persistence.ObserverFuncs{
		Next: func(_ context.Context, c persistence.Commit) bool {
			received = append(received, c.Checkpoint)
			return len(received) < 6
		},
		Error:     func(error) { failed++ },
		Completed: func() { completed++ },
	})
	s.Require().NoError(err)
	s.Assert().Equal([]persistence.Checkpoint{1, 2, 3, 4, 5, 6}, received)
	s.Assert().Equal(1, completed)
	s.Assert().Equal(0, failed)
}

// Test for a cancelled read
// Cancellation completes the observer instead of failing it
func (s *persistenceModuleTestSuite) TestReadKeeper_Observe_Cancel() {
	for i := 0; i < 10; i++ {
		_, err := s.engine.Commit(s.ctx, attempt(testBucket, newStreamID(), 1, 1))
		s.Require().NoError(err)
	}

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	received, completed, failed := 0, 0, 0
	err := s.engine.Observe(ctx, persistence.FromCheckpoint(0), persistence.ObserverFuncs{
		Next: func(context.Context, persistence.Commit) bool {
			received++
			if received == 2 {
				cancel()
			}
			return true
		},
		Error:     func(error) { failed++ },
		Completed: func() { completed++ },
	})
	s.Require().NoError(err)
	s.Assert().Equal(2, received)
	s.Assert().Equal(1, completed)
	s.Assert().Equal(0, failed)

	_, err = s.engine.Get(ctx, persistence.FromCheckpoint(0))
	s.Assert().True(errors.Is(err, context.Canceled))
}

// Test for an observer writing to the store while it reads
func (s *persistenceModuleTestSuite) TestReadKeeper_Observe_Reentrant() {
	nCommits := suitePageSize * 2
	for i := 0; i < nCommits; i++ {
		_, err := s.engine.Commit(s.ctx, attempt(testBucket, newStreamID(), 1, 1))
		s.Require().NoError(err)
	}

	copied := 0
	err := s.engine.Observe(s.ctx, persistence.BucketFromCheckpoint(testBucket, 0), persistence.ObserverFuncs{
		Next: func(ctx context.Context, c persistence.Commit) bool {
			_, err := s.engine.Commit(ctx, attempt("copies", c.StreamID, 1, 1))
			s.Assert().NoError(err)
			copied++
			return true
		},
	})
	s.Require().NoError(err)
	s.Assert().Equal(nCommits, copied)

	copies, err := s.engine.Get(s.ctx, persistence.BucketFromCheckpoint("copies", 0))
	s.Require().NoError(err)
	s.Assert().Len(copies, nCommits)
}
