package persistence

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"
)

// CheckpointStrategy selects how the engine tracks the last issued checkpoint.
type CheckpointStrategy int

const (
	// InMemoryCheckpoints reads the stored maximum once and counts in process.
	InMemoryCheckpoints CheckpointStrategy = iota
	// AlwaysQueryCheckpoints reads the stored maximum on every allocation.
	AlwaysQueryCheckpoints
)

// CheckpointGenerator hands out checkpoint numbers. Every value returned by Next is greater
// than the values it returned before. Generators are safe for concurrent use.
type CheckpointGenerator interface {
	Next(ctx context.Context) (int64, error)
	// SignalDuplicateID reports that id was already taken in the store.
	SignalDuplicateID(ctx context.Context, id int64) error
}

// InMemoryCheckpointGenerator counts in memory. Several processes sharing a store will
// hand out colliding values; SignalDuplicateID resynchronizes with the store.
type InMemoryCheckpointGenerator struct {
	reader CheckpointReader
	last   int64
}

func NewInMemoryCheckpointGenerator(ctx context.Context, reader CheckpointReader) (*InMemoryCheckpointGenerator, error) {
	last, err := reader.MaxCheckpoint(ctx, "")
	if err != nil {
		return nil, errors.Wrap(err, "failed to read last checkpoint")
	}
	return &InMemoryCheckpointGenerator{reader: reader, last: last}, nil
}

func (g *InMemoryCheckpointGenerator) Next(ctx context.Context) (int64, error) {
	return atomic.AddInt64(&g.last, 1), nil
}

func (g *InMemoryCheckpointGenerator) SignalDuplicateID(ctx context.Context, id int64) error {
	stored, err := g.reader.MaxCheckpoint(ctx, "")
	if err != nil {
		return err
	}
	if stored < id {
		stored = id
	}
	raise(&g.last, stored)
	return nil
}

// AlwaysQueryCheckpointGenerator asks the store for every value.
type AlwaysQueryCheckpointGenerator struct {
	reader CheckpointReader
	last   int64
}

func NewAlwaysQueryCheckpointGenerator(reader CheckpointReader) *AlwaysQueryCheckpointGenerator {
	return &AlwaysQueryCheckpointGenerator{reader: reader}
}

func (g *AlwaysQueryCheckpointGenerator) Next(ctx context.Context) (int64, error) {
	stored, err := g.reader.MaxCheckpoint(ctx, "")
	if err != nil {
		return 0, err
	}
	for {
		last := atomic.LoadInt64(&g.last)
		next := stored + 1
		if next <= last {
			next = last + 1
		}
		if atomic.CompareAndSwapInt64(&g.last, last, next) {
			return next, nil
		}
	}
}

func (g *AlwaysQueryCheckpointGenerator) SignalDuplicateID(ctx context.Context, id int64) error {
	raise(&g.last, id)
	return nil
}

// raise sets *addr to v unless it already holds a larger value.
func raise(addr *int64, v int64) {
	for {
		cur := atomic.LoadInt64(addr)
		if cur >= v || atomic.CompareAndSwapInt64(addr, cur, v) {
			return
		}
	}
}
