package testsuite

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/snowflk/commitdb/internal/persistence"
)

// Test for saving snapshots
// The latest snapshot at or below the requested revision is returned
func (s *persistenceModuleTestSuite) TestSnapshotKeeper_Save() {
	nStreams := 5
	revisions := []int{2, 5, 9}

	var wg sync.WaitGroup
	wg.Add(nStreams)
	for i := 0; i < nStreams; i++ {
		go func(i int) {
			defer wg.Done()
			streamID := fmt.Sprintf("stream-%d", i)
			for _, rev := range revisions {
				err := s.engine.AddSnapshot(s.ctx, persistence.Snapshot{
					BucketID:       testBucket,
					StreamID:       streamID,
					StreamRevision: rev,
					Payload:        map[string]interface{}{"state": fmt.Sprintf("%d_%d", i, rev)},
				})
				s.Assert().NoError(err, "snapshot %d of %s cannot be saved", rev, streamID)
			}
		}(i)
	}
	wg.Wait()

	cases := []struct {
		maxRevision int
		expected    int
	}{
		{maxRevision: 0, expected: 9},
		{maxRevision: 9, expected: 9},
		{maxRevision: 8, expected: 5},
		{maxRevision: 5, expected: 5},
		{maxRevision: 4, expected: 2},
		{maxRevision: 1, expected: 0},
	}
	for i := 0; i < nStreams; i++ {
		streamID := fmt.Sprintf("stream-%d", i)
		for _, tc := range cases {
			snapshot, err := s.engine.GetSnapshot(s.ctx, testBucket, streamID, tc.maxRevision)
			s.Require().NoError(err)
			if tc.expected == 0 {
				s.Assert().Nil(snapshot, "max revision %d", tc.maxRevision)
				continue
			}
			s.Require().NotNil(snapshot, "max revision %d", tc.maxRevision)
			s.Assert().Equal(tc.expected, snapshot.StreamRevision)
			state, _ := snapshot.Payload.(map[string]interface{})
			s.Assert().Equal(fmt.Sprintf("%d_%d", i, tc.expected), state["state"])
		}
	}

	missing, err := s.engine.GetSnapshot(s.ctx, testBucket, "no-such-stream", 0)
	s.Require().NoError(err)
	s.Assert().Nil(missing)
}

// Test for overwriting a snapshot at the same revision
func (s *persistenceModuleTestSuite) TestSnapshotKeeper_Save_Overwrite() {
	streamID := newStreamID()
	for _, state := range []string{"old", "new"} {
		s.Require().NoError(s.engine.AddSnapshot(s.ctx, persistence.Snapshot{
			BucketID: testBucket, StreamID: streamID, StreamRevision: 3, Payload: []interface{}{state},
		}))
	}
	snapshot, err := s.engine.GetSnapshot(s.ctx, testBucket, streamID, 0)
	s.Require().NoError(err)
	s.Require().NotNil(snapshot)
	s.Assert().Equal([]interface{}{"new"}, snapshot.Payload)
}

// Test for finding the streams that need a snapshot
func (s *persistenceModuleTestSuite) TestSnapshotKeeper_StreamsToSnapshot() {
	busy, quiet := newStreamID(), newStreamID()
	for seq := 1; seq <= 5; seq++ {
		_, err := s.engine.Commit(s.ctx, attempt(testBucket, busy, seq, 2))
		s.Require().NoError(err)
	}
	_, err := s.engine.Commit(s.ctx, attempt(testBucket, quiet, 1, 1))
	s.Require().NoError(err)
	s.engine.Flush()

	heads, err := s.engine.GetStreamsToSnapshot(s.ctx, testBucket, 5)
	s.Require().NoError(err)
	s.Require().Len(heads, 1)
	s.Assert().Equal(busy, heads[0].StreamID)
	s.Assert().Equal(10, heads[0].Unsnapshotted)

	heads, err = s.engine.GetStreamsToSnapshot(s.ctx, testBucket, 1)
	s.Require().NoError(err)
	s.Require().Len(heads, 2)
	s.Assert().Equal(busy, heads[0].StreamID, "most unsnapshotted stream first")

	s.Require().NoError(s.engine.AddSnapshot(s.ctx, persistence.Snapshot{
		BucketID: testBucket, StreamID: busy, StreamRevision: 8, Payload: map[string]interface{}{},
	}))
	heads, err = s.engine.GetStreamsToSnapshot(s.ctx, testBucket, 5)
	s.Require().NoError(err)
	s.Assert().Empty(heads)

	heads, err = s.engine.GetStreamsToSnapshot(s.ctx, testBucket, 2)
	s.Require().NoError(err)
	s.Require().Len(heads, 1)
	s.Assert().Equal(10, heads[0].HeadRevision)
	s.Assert().Equal(8, heads[0].SnapshotRevision)
	s.Assert().Equal(2, heads[0].Unsnapshotted)
}

// Test for an older snapshot saved after a newer one
// The stream head keeps the newer snapshot revision
func (s *persistenceModuleTestSuite) TestSnapshotKeeper_OlderSnapshotKeepsHead() {
	streamID := newStreamID()
	for seq := 1; seq <= 3; seq++ {
		_, err := s.engine.Commit(s.ctx, attempt(testBucket, streamID, seq, 2))
		s.Require().NoError(err)
	}
	s.engine.Flush()

	for _, rev := range []int{5, 2} {
		s.Require().NoError(s.engine.AddSnapshot(s.ctx, persistence.Snapshot{
			BucketID: testBucket, StreamID: streamID, StreamRevision: rev, Payload: map[string]interface{}{},
		}))
	}

	heads, err := s.engine.GetStreamsToSnapshot(s.ctx, testBucket, 1)
	s.Require().NoError(err)
	s.Require().Len(heads, 1)
	s.Assert().Equal(6, heads[0].HeadRevision)
	s.Assert().Equal(5, heads[0].SnapshotRevision)
	s.Assert().Equal(1, heads[0].Unsnapshotted)

	snapshot, err := s.engine.GetSnapshot(s.ctx, testBucket, streamID, 0)
	s.Require().NoError(err)
	s.Require().NotNil(snapshot)
	s.Assert().Equal(5, snapshot.StreamRevision)
}

// Test for an engine running with snapshots disabled
func (s *persistenceModuleTestSuite) TestSnapshotKeeper_Disabled() {
	engine := s.newPeerEngine(persistence.Options{DisableSnapshots: true})
	defer engine.Close()

	err := engine.AddSnapshot(s.ctx, persistence.Snapshot{BucketID: testBucket, StreamID: "s", StreamRevision: 1, Payload: map[string]interface{}{}})
	s.Assert().True(errors.Is(err, persistence.ErrSnapshotsDisabled))
	_, err = engine.GetSnapshot(s.ctx, testBucket, "s", 0)
	s.Assert().True(errors.Is(err, persistence.ErrSnapshotsDisabled))
	_, err = engine.GetStreamsToSnapshot(s.ctx, testBucket, 1)
	s.Assert().True(errors.Is(err, persistence.ErrSnapshotsDisabled))
}
