package boltstore

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"

	"github.com/snowflk/commitdb/internal/persistence"
	"go.etcd.io/bbolt"
)

func (s *Storage) UpsertStreamHead(ctx context.Context, bucketID, streamID string, headRevision int) error {
	return s.updateStreamHead(ctx, "upsert stream head", bucketID, streamID, func(head *persistence.StreamHeadDocument) {
		if headRevision > head.HeadRevision {
			head.HeadRevision = headRevision
		}
	})
}

func (s *Storage) UpdateStreamHeadSnapshot(ctx context.Context, bucketID, streamID string, snapshotRevision int) error {
	return s.updateStreamHead(ctx, "update stream head snapshot", bucketID, streamID, func(head *persistence.StreamHeadDocument) {
		if snapshotRevision > head.SnapshotRevision {
			head.SnapshotRevision = snapshotRevision
		}
		if snapshotRevision > head.HeadRevision {
			head.HeadRevision = snapshotRevision
		}
	})
}

func (s *Storage) updateStreamHead(ctx context.Context, op, bucketID, streamID string, apply func(*persistence.StreamHeadDocument)) error {
	return s.update(ctx, op, func(tx *bbolt.Tx) error {
		heads, err := bucket(tx, streamHeadBucketKey)
		if err != nil {
			return err
		}
		key := streamKey(bucketID, streamID)
		head := persistence.StreamHeadDocument{
			ID: persistence.StreamHeadID{BucketID: bucketID, StreamID: streamID},
		}
		if data := heads.Get(key); data != nil {
			if err := decode(data, &head); err != nil {
				return err
			}
		}
		apply(&head)
		head.Unsnapshotted = head.HeadRevision - head.SnapshotRevision
		data, err := json.Marshal(head)
		if err != nil {
			return err
		}
		return heads.Put(key, data)
	})
}

// FindStreamHeads returns the heads with the most unsnapshotted events first.
func (s *Storage) FindStreamHeads(ctx context.Context, bucketID string, minUnsnapshotted int) ([]persistence.StreamHeadDocument, error) {
	result := make([]persistence.StreamHeadDocument, 0)
	err := s.view(ctx, "find stream heads", func(tx *bbolt.Tx) error {
		return forEachPrefix(tx.Bucket(streamHeadBucketKey), bucketPrefix(bucketID), func(_, v []byte) error {
			var head persistence.StreamHeadDocument
			if err := decode(v, &head); err != nil {
				return err
			}
			if head.ID.BucketID == bucketID && head.Unsnapshotted >= minUnsnapshotted {
				result = append(result, head)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Unsnapshotted > result[j].Unsnapshotted
	})
	return result, nil
}

func (s *Storage) DeleteStreamHeads(ctx context.Context, filter persistence.StreamFilter) error {
	return s.update(ctx, "delete stream heads", func(tx *bbolt.Tx) error {
		heads, err := bucket(tx, streamHeadBucketKey)
		if err != nil {
			return err
		}
		return deleteWhere(heads, streamFilterPrefix(filter), func(_, v []byte) (bool, error) {
			var head persistence.StreamHeadDocument
			if err := decode(v, &head); err != nil {
				return false, err
			}
			return filter.Match(head.ID.BucketID, head.ID.StreamID), nil
		})
	})
}

func (s *Storage) UpsertSnapshot(ctx context.Context, doc *persistence.SnapshotDocument) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return &persistence.SerializationError{Field: "snapshot document", Err: err}
	}
	return s.update(ctx, "upsert snapshot", func(tx *bbolt.Tx) error {
		snapshots, err := bucket(tx, snapshotBucketKey)
		if err != nil {
			return err
		}
		return snapshots.Put(snapshotKey(doc.ID.BucketID, doc.ID.StreamID, doc.ID.StreamRevision), data)
	})
}

func (s *Storage) FindSnapshot(ctx context.Context, bucketID, streamID string, maxRevision int) (*persistence.SnapshotDocument, error) {
	var doc *persistence.SnapshotDocument
	err := s.view(ctx, "find snapshot", func(tx *bbolt.Tx) error {
		snapshots := tx.Bucket(snapshotBucketKey)
		if snapshots == nil || maxRevision < 0 {
			return nil
		}
		prefix := streamKey(bucketID, streamID)
		target := snapshotKey(bucketID, streamID, maxRevision)
		c := snapshots.Cursor()
		k, v := c.Seek(target)
		switch {
		case k == nil:
			k, v = c.Last()
		case !bytes.Equal(k, target):
			k, v = c.Prev()
		}
		if k == nil || !bytes.HasPrefix(k, prefix) {
			return nil
		}
		var found persistence.SnapshotDocument
		if err := decode(v, &found); err != nil {
			return err
		}
		doc = &found
		return nil
	})
	return doc, err
}

func (s *Storage) DeleteSnapshots(ctx context.Context, filter persistence.StreamFilter) error {
	return s.update(ctx, "delete snapshots", func(tx *bbolt.Tx) error {
		snapshots, err := bucket(tx, snapshotBucketKey)
		if err != nil {
			return err
		}
		return deleteWhere(snapshots, streamFilterPrefix(filter), func(_, v []byte) (bool, error) {
			var snapshot persistence.SnapshotDocument
			if err := decode(v, &snapshot); err != nil {
				return false, err
			}
			return filter.Match(snapshot.ID.BucketID, snapshot.ID.StreamID), nil
		})
	})
}
