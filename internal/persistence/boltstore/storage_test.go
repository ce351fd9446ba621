package boltstore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/snowflk/commitdb/internal/persistence"
	"github.com/snowflk/commitdb/internal/persistence/testsuite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

func TestBolt(t *testing.T) {
	dir := t.TempDir()
	n := 0
	suite.Run(t, testsuite.NewTestSuite(func() persistence.Backend {
		n++
		storage, err := New(Options{Path: filepath.Join(dir, fmt.Sprintf("commits-%d.db", n)), NoSync: true})
		require.NoError(t, err)
		return storage
	}))
}

func TestStorage_DirectoryPath(t *testing.T) {
	dir := t.TempDir()
	storage, err := New(Options{Path: dir})
	require.NoError(t, err)
	defer storage.Close()
	assert.Equal(t, filepath.Join(dir, DefaultFileName), storage.Path())
}

func TestStorage_Locked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locked.db")
	storage, err := New(Options{Path: path})
	require.NoError(t, err)
	defer storage.Close()

	_, err = New(Options{Path: path, Timeout: 50 * time.Millisecond})
	assert.True(t, errors.Is(err, persistence.ErrStorageUnavailable), "unexpected error %v", err)
}

func TestStorage_Closed(t *testing.T) {
	storage, err := New(Options{Path: filepath.Join(t.TempDir(), "closed.db")})
	require.NoError(t, err)
	require.NoError(t, storage.EnsureIndexes(context.Background()))
	require.NoError(t, storage.Close())

	_, err = storage.MaxCheckpoint(context.Background(), "")
	assert.True(t, errors.Is(err, persistence.ErrStorageUnavailable), "unexpected error %v", err)
}

func TestStorage_MissingBuckets(t *testing.T) {
	storage, err := New(Options{Path: filepath.Join(t.TempDir(), "empty.db")})
	require.NoError(t, err)
	defer storage.Close()
	ctx := context.Background()

	last, err := storage.MaxCheckpoint(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), last)

	doc, err := storage.FindSnapshot(ctx, "b", "s", 10)
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, int64(42), checkpointFromKey(checkpointKey(42)))
	assert.True(t, string(checkpointKey(9)) < string(checkpointKey(10)), "keys sort by checkpoint")

	// a stream id never matches the prefix of a longer one
	assert.False(t, hasPrefix(streamKey("b", "stream-10"), streamKey("b", "stream-1")))
	assert.True(t, hasPrefix(snapshotKey("b", "s", 3), streamKey("b", "s")))
	assert.True(t, string(snapshotKey("b", "s", 9)) < string(snapshotKey("b", "s", 10)))
}

func hasPrefix(key, prefix []byte) bool {
	return len(key) >= len(prefix) && string(key[:len(prefix)]) == string(prefix)
}
