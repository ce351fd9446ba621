package persistence

import (
	"testing"
	"time"

	_assert "github.com/stretchr/testify/assert"
)

func TestQuery_RecycleBinVisibility(t *testing.T) {
	deleted := &CommitDocument{CheckpointNumber: 2, BucketID: RecycleBinBucket, StreamID: "s"}
	live := &CommitDocument{CheckpointNumber: 3, BucketID: "default", StreamID: "s"}
	hole := &CommitDocument{CheckpointNumber: 4, BucketID: SystemBucket, StreamID: "4"}

	cases := []struct {
		name     string
		query    Query
		expected []bool
	}{
		{name: "from checkpoint", query: FromCheckpoint(0), expected: []bool{false, true, true}},
		{name: "checkpoint range", query: CheckpointRange(1, 3), expected: []bool{false, true, false}},
		{name: "include deleted", query: CheckpointRange(0, 0).IncludeDeleted(), expected: []bool{true, true, true}},
		{name: "bucket", query: BucketFromCheckpoint("default", 0), expected: []bool{false, true, false}},
		{name: "stream", query: StreamRange("default", "s", 0, 0), expected: []bool{false, true, false}},
		{name: "deleted commits", query: DeletedCommits(), expected: []bool{true, false, false}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := tc.query.filter()
			_assert.Equal(t, tc.expected, []bool{f.Match(deleted), f.Match(live), f.Match(hole)})
		})
	}
}

func TestQuery_TimeWindow(t *testing.T) {
	assert := _assert.New(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *CommitDocument {
		return &CommitDocument{CheckpointNumber: 1, BucketID: "b", StreamID: "s", CommitStamp: base.Add(d)}
	}
	f := BucketBetween("b", base, base.Add(time.Hour)).filter()
	assert.True(f.Match(at(0)))
	assert.True(f.Match(at(59 * time.Minute)))
	assert.False(f.Match(at(time.Hour)))
	assert.False(f.Match(at(-time.Second)))

	f = BucketSince("b", base).filter()
	assert.True(f.Match(at(24 * time.Hour)))
}

func TestQuery_RevisionOverlap(t *testing.T) {
	assert := _assert.New(t)
	doc := &CommitDocument{CheckpointNumber: 1, BucketID: "b", StreamID: "s", StreamRevisionFrom: 3, StreamRevisionTo: 4}
	assert.True(StreamRange("b", "s", 4, 8).filter().Match(doc))
	assert.True(StreamRange("b", "s", 1, 3).filter().Match(doc))
	assert.False(StreamRange("b", "s", 5, 8).filter().Match(doc))
	assert.False(StreamRange("b", "s", 1, 2).filter().Match(doc))
	assert.False(StreamRange("b", "other", 0, 0).filter().Match(doc))
}

func TestParseCheckpoint(t *testing.T) {
	assert := _assert.New(t)
	c, err := ParseCheckpoint("")
	assert.NoError(err)
	assert.Equal(Checkpoint(0), c)

	c, err = ParseCheckpoint(Checkpoint(1234).String())
	assert.NoError(err)
	assert.Equal(Checkpoint(1234), c)
	assert.True(Checkpoint(2).Before(c))

	_, err = ParseCheckpoint("-1")
	assert.Error(err)
	_, err = ParseCheckpoint("abc")
	assert.Error(err)
}
