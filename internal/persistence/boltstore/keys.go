package boltstore

import (
	"bytes"
	"encoding/binary"
)

var (
	commitsBucketKey    = []byte("commits")
	logicalKeyBucketKey = []byte("commits_logical_key")
	commitIDBucketKey   = []byte("commits_commit_id")
	streamHeadBucketKey = []byte("stream_heads")
	snapshotBucketKey   = []byte("snapshots")

	allBuckets = [][]byte{
		commitsBucketKey,
		logicalKeyBucketKey,
		commitIDBucketKey,
		streamHeadBucketKey,
		snapshotBucketKey,
	}

	// ByteOrdering must keep the byte order of keys equal to their numeric order.
	ByteOrdering = binary.BigEndian
)

const keySeparator = 0x00

func uint64Key(v uint64) []byte {
	b := make([]byte, 8)
	ByteOrdering.PutUint64(b, v)
	return b
}

func checkpointKey(checkpoint int64) []byte {
	return uint64Key(uint64(checkpoint))
}

func checkpointFromKey(k []byte) int64 {
	return int64(ByteOrdering.Uint64(k))
}

// streamKey is the prefix shared by every per-stream key: bucket 0x00 stream 0x00.
func streamKey(bucketID, streamID string) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, len(bucketID)+len(streamID)+2))
	buf.WriteString(bucketID)
	buf.WriteByte(keySeparator)
	buf.WriteString(streamID)
	buf.WriteByte(keySeparator)
	return buf.Bytes()
}

func bucketPrefix(bucketID string) []byte {
	if bucketID == "" {
		return nil
	}
	return append([]byte(bucketID), keySeparator)
}

func logicalKey(bucketID, streamID string, commitSequence int) []byte {
	return append(streamKey(bucketID, streamID), uint64Key(uint64(commitSequence))...)
}

func commitIDKey(bucketID, streamID, commitID string) []byte {
	return append(streamKey(bucketID, streamID), commitID...)
}

func snapshotKey(bucketID, streamID string, revision int) []byte {
	return append(streamKey(bucketID, streamID), uint64Key(uint64(revision))...)
}
