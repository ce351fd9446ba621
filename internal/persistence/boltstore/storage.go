// Package boltstore is the embedded backend. Every collection and unique index is a bbolt
// bucket, so a commit and its index entries are written in a single transaction.
package boltstore

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/snowflk/commitdb/internal/persistence"
	"go.etcd.io/bbolt"
)

const (
	DefaultFileName = "commits.db"
	defaultTimeout  = 5 * time.Second
)

type Options struct {
	// Path of the database file. A directory gets DefaultFileName appended.
	Path string
	// Timeout bounds the wait for the file lock held by another process.
	Timeout time.Duration
	NoSync  bool
}

type Storage struct {
	path  string
	store *bbolt.DB
}

var _ persistence.Backend = (*Storage)(nil)

func New(options Options) (*Storage, error) {
	path := options.Path
	if path == "" {
		return nil, errors.New("bolt storage path is required")
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, DefaultFileName)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errors.Wrap(err, "create storage directory")
	}
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	store, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: timeout, NoSync: options.NoSync})
	if err != nil {
		return nil, persistence.Unavailable("open "+path, err)
	}
	return &Storage{path: path, store: store}, nil
}

func (s *Storage) Path() string {
	return s.path
}

func (s *Storage) EnsureIndexes(ctx context.Context) error {
	return s.update(ctx, "ensure indexes", func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Storage) Drop(ctx context.Context) error {
	return s.update(ctx, "drop", func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if err := tx.DeleteBucket(name); err != nil && err != bbolt.ErrBucketNotFound {
				return err
			}
		}
		return nil
	})
}

func (s *Storage) Close() error {
	return s.store.Close()
}

func (s *Storage) update(ctx context.Context, op string, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return classify(op, s.store.Update(fn))
}

func (s *Storage) view(ctx context.Context, op string, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return classify(op, s.store.View(fn))
}

// classify reports a closed or locked database as unavailable. Everything else goes back
// unchanged so index violations keep their type.
func classify(op string, err error) error {
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) || errors.Is(err, bbolt.ErrTimeout) {
		return persistence.Unavailable(op, err)
	}
	return err
}

// bucket returns the named bucket, creating it in writable transactions. Read transactions
// get nil after a Drop.
func bucket(tx *bbolt.Tx, name []byte) (*bbolt.Bucket, error) {
	if tx.Writable() {
		return tx.CreateBucketIfNotExists(name)
	}
	return tx.Bucket(name), nil
}

// forEachPrefix visits every key starting with prefix. A nil prefix visits the whole bucket.
func forEachPrefix(bkt *bbolt.Bucket, prefix []byte, fn func(k, v []byte) error) error {
	if bkt == nil {
		return nil
	}
	c := bkt.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

func streamFilterPrefix(filter persistence.StreamFilter) []byte {
	if filter.BucketID != "" && filter.StreamID != "" {
		return streamKey(filter.BucketID, filter.StreamID)
	}
	return bucketPrefix(filter.BucketID)
}

// deleteWhere removes the keys under prefix accepted by match. Keys are collected first,
// a bbolt cursor must not be mutated while iterating.
func deleteWhere(bkt *bbolt.Bucket, prefix []byte, match func(k, v []byte) (bool, error)) error {
	var keys [][]byte
	err := forEachPrefix(bkt, prefix, func(k, v []byte) error {
		ok, err := match(k, v)
		if err != nil {
			return err
		}
		if ok {
			keys = append(keys, append([]byte(nil), k...))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := bkt.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func decode(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &persistence.SerializationError{Field: "stored document", Err: err}
	}
	return nil
}
