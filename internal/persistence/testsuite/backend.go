package testsuite

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/snowflk/commitdb/internal/persistence"
)

func commitDocument(checkpoint int64, bucketID, streamID string, commitSequence int) *persistence.CommitDocument {
	return &persistence.CommitDocument{
		CheckpointNumber:   checkpoint,
		BucketID:           bucketID,
		StreamID:           streamID,
		StreamRevisionFrom: commitSequence,
		StreamRevisionTo:   commitSequence,
		CommitID:           persistence.NewCommitID().String(),
		CommitStamp:        time.Now().UTC(),
		CommitSequence:     commitSequence,
		Events: []persistence.EventDocument{
			{StreamRevision: commitSequence, Payload: json.RawMessage(`{"Body":"x"}`)},
		},
	}
}

func (s *persistenceModuleTestSuite) insert(doc *persistence.CommitDocument) error {
	return s.backend.InsertCommit(s.ctx, doc)
}

// Test for the unique indexes of a backend
// A violation names the index that rejected the document
func (s *persistenceModuleTestSuite) TestBackend_InsertCommit_DuplicateKeys() {
	s.Require().NoError(s.insert(commitDocument(1, testBucket, "a", 1)))

	err := s.insert(commitDocument(1, testBucket, "b", 1))
	var dup *persistence.DuplicateKeyError
	s.Require().True(errors.As(err, &dup), "unexpected error %v", err)
	s.Assert().True(dup.Violates(persistence.CheckpointIndex), "violated %s", dup.Index)
	s.Assert().False(dup.Violates(persistence.LogicalKeyIndex))

	err = s.insert(commitDocument(2, testBucket, "a", 1))
	s.Require().True(errors.As(err, &dup), "unexpected error %v", err)
	s.Assert().True(dup.Violates(persistence.LogicalKeyIndex), "violated %s", dup.Index)
	s.Assert().False(dup.Violates(persistence.CheckpointIndex))

	s.Assert().NoError(s.insert(commitDocument(3, "other", "a", 1)))
	s.Assert().NoError(s.insert(commitDocument(4, testBucket, "a", 2)))
}

// Test for the logical key after a retag
// Recycled commits release their stream position
func (s *persistenceModuleTestSuite) TestBackend_RetagStream_ReleasesLogicalKey() {
	s.Require().NoError(s.insert(commitDocument(1, testBucket, "a", 1)))
	s.Require().NoError(s.backend.RetagStream(s.ctx, testBucket, "a", persistence.RecycleBinBucket))
	s.Require().NoError(s.insert(commitDocument(2, testBucket, "a", 1)))
	s.Require().NoError(s.backend.RetagStream(s.ctx, testBucket, "a", persistence.RecycleBinBucket))

	doc, err := s.backend.FindCommitByID(s.ctx, testBucket, "a", "missing")
	s.Require().NoError(err)
	s.Assert().Nil(doc)

	cursor, err := s.backend.FindCommits(s.ctx, persistence.CommitFilter{BucketID: persistence.RecycleBinBucket})
	s.Require().NoError(err)
	defer cursor.Close()
	var found []int64
	for cursor.Next(s.ctx) {
		found = append(found, cursor.Document().CheckpointNumber)
	}
	s.Require().NoError(cursor.Err())
	s.Assert().Equal([]int64{1, 2}, found)
}

// Test for the highest checkpoint, globally and per bucket
func (s *persistenceModuleTestSuite) TestBackend_MaxCheckpoint() {
	last, err := s.backend.MaxCheckpoint(s.ctx, "")
	s.Require().NoError(err)
	s.Assert().Equal(int64(0), last)

	s.Require().NoError(s.insert(commitDocument(1, "x", "a", 1)))
	s.Require().NoError(s.insert(commitDocument(5, "y", "a", 1)))
	s.Require().NoError(s.insert(commitDocument(7, "x", "b", 1)))

	cases := []struct {
		bucketID string
		expected int64
	}{
		{bucketID: "", expected: 7},
		{bucketID: "x", expected: 7},
		{bucketID: "y", expected: 5},
		{bucketID: "z", expected: 0},
	}
	for _, tc := range cases {
		last, err := s.backend.MaxCheckpoint(s.ctx, tc.bucketID)
		s.Require().NoError(err)
		s.Assert().Equal(tc.expected, last, "bucket %q", tc.bucketID)
	}
}

// Test for scans with a limit and a checkpoint window
func (s *persistenceModuleTestSuite) TestBackend_FindCommits_Window() {
	for cp := int64(1); cp <= 10; cp++ {
		s.Require().NoError(s.insert(commitDocument(cp, testBucket, "a", int(cp))))
	}
	cursor, err := s.backend.FindCommits(s.ctx, persistence.CommitFilter{AfterCheckpoint: 3, ToCheckpoint: 9, Limit: 4})
	s.Require().NoError(err)
	var found []int64
	for cursor.Next(s.ctx) {
		found = append(found, cursor.Document().CheckpointNumber)
	}
	s.Require().NoError(cursor.Err())
	s.Require().NoError(cursor.Close())
	s.Assert().Equal([]int64{4, 5, 6, 7}, found)

	cursor, err = s.backend.FindCommits(s.ctx, persistence.CommitFilter{BucketID: testBucket, StreamID: "a", MinRevision: 8})
	s.Require().NoError(err)
	found = found[:0]
	for cursor.Next(s.ctx) {
		found = append(found, cursor.Document().CheckpointNumber)
	}
	s.Require().NoError(cursor.Close())
	s.Assert().Equal([]int64{8, 9, 10}, found)
}

// Test for creating indexes on a store that already has them
func (s *persistenceModuleTestSuite) TestBackend_EnsureIndexes_Idempotent() {
	s.Require().NoError(s.insert(commitDocument(1, testBucket, "a", 1)))
	s.Require().NoError(s.backend.EnsureIndexes(s.ctx))
	s.Require().NoError(s.backend.EnsureIndexes(s.ctx))

	last, err := s.backend.MaxCheckpoint(s.ctx, "")
	s.Require().NoError(err)
	s.Assert().Equal(int64(1), last)
}
