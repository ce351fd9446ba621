package boltstore

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/snowflk/commitdb/internal/persistence"
	"go.etcd.io/bbolt"
)

type commitBuckets struct {
	commits    *bbolt.Bucket
	logicalKey *bbolt.Bucket
	commitID   *bbolt.Bucket
}

func openCommitBuckets(tx *bbolt.Tx) (*commitBuckets, error) {
	commits, err := bucket(tx, commitsBucketKey)
	if err != nil {
		return nil, err
	}
	logical, err := bucket(tx, logicalKeyBucketKey)
	if err != nil {
		return nil, err
	}
	commitID, err := bucket(tx, commitIDBucketKey)
	if err != nil {
		return nil, err
	}
	if commits == nil || logical == nil || commitID == nil {
		return nil, nil
	}
	return &commitBuckets{commits: commits, logicalKey: logical, commitID: commitID}, nil
}

func (b *commitBuckets) get(checkpoint int64) (*persistence.CommitDocument, error) {
	data := b.commits.Get(checkpointKey(checkpoint))
	if data == nil {
		return nil, nil
	}
	var doc persistence.CommitDocument
	if err := decode(data, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// put writes the document and its index entries. Recycled commits are left out of the
// logical key.
func (b *commitBuckets) put(doc *persistence.CommitDocument) error {
	key := checkpointKey(doc.CheckpointNumber)
	data, err := json.Marshal(doc)
	if err != nil {
		return &persistence.SerializationError{Field: "commit document", Err: err}
	}
	if doc.BucketID != persistence.RecycleBinBucket {
		lk := logicalKey(doc.BucketID, doc.StreamID, doc.CommitSequence)
		if existing := b.logicalKey.Get(lk); existing != nil && checkpointFromKey(existing) != doc.CheckpointNumber {
			return &persistence.DuplicateKeyError{Index: persistence.LogicalKeyIndex}
		}
		if err := b.logicalKey.Put(lk, key); err != nil {
			return err
		}
	}
	if err := b.commitID.Put(commitIDKey(doc.BucketID, doc.StreamID, doc.CommitID), key); err != nil {
		return err
	}
	return b.commits.Put(key, data)
}

func (b *commitBuckets) remove(doc *persistence.CommitDocument) error {
	if doc.BucketID != persistence.RecycleBinBucket {
		if err := b.logicalKey.Delete(logicalKey(doc.BucketID, doc.StreamID, doc.CommitSequence)); err != nil {
			return err
		}
	}
	if err := b.commitID.Delete(commitIDKey(doc.BucketID, doc.StreamID, doc.CommitID)); err != nil {
		return err
	}
	return b.commits.Delete(checkpointKey(doc.CheckpointNumber))
}

func (s *Storage) InsertCommit(ctx context.Context, doc *persistence.CommitDocument) error {
	return s.update(ctx, "insert commit", func(tx *bbolt.Tx) error {
		buckets, err := openCommitBuckets(tx)
		if err != nil {
			return err
		}
		if buckets.commits.Get(checkpointKey(doc.CheckpointNumber)) != nil {
			return &persistence.DuplicateKeyError{Index: persistence.CheckpointIndex}
		}
		return buckets.put(doc)
	})
}

// FindCommits materializes at most filter.Limit documents in one read transaction.
// Keeping the transaction short lets the caller write while it walks the result.
func (s *Storage) FindCommits(ctx context.Context, filter persistence.CommitFilter) (persistence.CommitCursor, error) {
	var docs []*persistence.CommitDocument
	err := s.view(ctx, "find commits", func(tx *bbolt.Tx) error {
		buckets, err := openCommitBuckets(tx)
		if err != nil || buckets == nil {
			return err
		}
		if filter.BucketID != "" && filter.StreamID != "" && filter.BucketID != persistence.RecycleBinBucket {
			docs, err = buckets.findStream(ctx, filter)
			return err
		}
		docs, err = buckets.scan(ctx, filter)
		return err
	})
	if err != nil {
		return nil, err
	}
	return persistence.NewSliceCursor(docs), nil
}

// findStream reads a single stream through the logical key index.
func (b *commitBuckets) findStream(ctx context.Context, filter persistence.CommitFilter) ([]*persistence.CommitDocument, error) {
	var checkpoints []int64
	err := forEachPrefix(b.logicalKey, streamKey(filter.BucketID, filter.StreamID), func(_, v []byte) error {
		if cp := checkpointFromKey(v); cp > filter.AfterCheckpoint {
			checkpoints = append(checkpoints, cp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(checkpoints, func(i, j int) bool { return checkpoints[i] < checkpoints[j] })

	docs := make([]*persistence.CommitDocument, 0)
	for _, cp := range checkpoints {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		doc, err := b.get(cp)
		if err != nil {
			return nil, err
		}
		if doc == nil || !filter.Match(doc) {
			continue
		}
		docs = append(docs, doc)
		if filter.Limit > 0 && len(docs) >= filter.Limit {
			break
		}
	}
	return docs, nil
}

func (b *commitBuckets) scan(ctx context.Context, filter persistence.CommitFilter) ([]*persistence.CommitDocument, error) {
	docs := make([]*persistence.CommitDocument, 0)
	c := b.commits.Cursor()
	for k, v := c.Seek(checkpointKey(filter.AfterCheckpoint + 1)); k != nil; k, v = c.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if filter.ToCheckpoint > 0 && checkpointFromKey(k) > filter.ToCheckpoint {
			break
		}
		var doc persistence.CommitDocument
		if err := decode(v, &doc); err != nil {
			return nil, err
		}
		if !filter.Match(&doc) {
			continue
		}
		docs = append(docs, &doc)
		if filter.Limit > 0 && len(docs) >= filter.Limit {
			break
		}
	}
	return docs, nil
}

func (s *Storage) FindCommitByID(ctx context.Context, bucketID, streamID, commitID string) (*persistence.CommitDocument, error) {
	var doc *persistence.CommitDocument
	err := s.view(ctx, "find commit", func(tx *bbolt.Tx) error {
		buckets, err := openCommitBuckets(tx)
		if err != nil || buckets == nil {
			return err
		}
		key := buckets.commitID.Get(commitIDKey(bucketID, streamID, commitID))
		if key == nil {
			return nil
		}
		doc, err = buckets.get(checkpointFromKey(key))
		return err
	})
	return doc, err
}

func (s *Storage) MaxCheckpoint(ctx context.Context, bucketID string) (int64, error) {
	var last int64
	err := s.view(ctx, "max checkpoint", func(tx *bbolt.Tx) error {
		commits := tx.Bucket(commitsBucketKey)
		if commits == nil {
			return nil
		}
		c := commits.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if bucketID == "" {
				last = checkpointFromKey(k)
				return nil
			}
			var envelope struct {
				BucketID string `json:"BucketId"`
			}
			if err := decode(v, &envelope); err != nil {
				return err
			}
			if envelope.BucketID == bucketID {
				last = checkpointFromKey(k)
				return nil
			}
		}
		return nil
	})
	return last, err
}

func (s *Storage) RetagStream(ctx context.Context, bucketID, streamID, newBucketID string) error {
	return s.update(ctx, "retag stream", func(tx *bbolt.Tx) error {
		buckets, err := openCommitBuckets(tx)
		if err != nil {
			return err
		}
		var checkpoints []int64
		err = forEachPrefix(buckets.commitID, streamKey(bucketID, streamID), func(_, v []byte) error {
			checkpoints = append(checkpoints, checkpointFromKey(v))
			return nil
		})
		if err != nil {
			return err
		}
		for _, cp := range checkpoints {
			doc, err := buckets.get(cp)
			if err != nil {
				return err
			}
			if doc == nil {
				continue
			}
			if err := buckets.remove(doc); err != nil {
				return err
			}
			doc.BucketID = newBucketID
			if err := buckets.put(doc); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Storage) DeleteCommits(ctx context.Context, filter persistence.CommitFilter) error {
	return s.update(ctx, "delete commits", func(tx *bbolt.Tx) error {
		buckets, err := openCommitBuckets(tx)
		if err != nil {
			return err
		}
		filter.Limit = 0
		docs, err := buckets.scan(ctx, filter)
		if err != nil {
			return err
		}
		for _, doc := range docs {
			if err := buckets.remove(doc); err != nil {
				return err
			}
		}
		return nil
	})
}
