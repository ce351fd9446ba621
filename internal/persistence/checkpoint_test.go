package persistence

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	_assert "github.com/stretchr/testify/assert"
)

type fixedReader struct {
	mu   sync.Mutex
	last int64
	err  error
}

func (r *fixedReader) MaxCheckpoint(context.Context, string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.err
}

func (r *fixedReader) set(last int64) {
	r.mu.Lock()
	r.last = last
	r.mu.Unlock()
}

func TestInMemoryCheckpointGenerator(t *testing.T) {
	assert := _assert.New(t)
	ctx := context.Background()
	reader := &fixedReader{last: 10}

	g, err := NewInMemoryCheckpointGenerator(ctx, reader)
	assert.NoError(err)
	next, _ := g.Next(ctx)
	assert.Equal(int64(11), next)

	// another process wrote up to 20
	reader.set(20)
	next, _ = g.Next(ctx)
	assert.Equal(int64(12), next)
	assert.NoError(g.SignalDuplicateID(ctx, 12))
	next, _ = g.Next(ctx)
	assert.Equal(int64(21), next)

	// a signal never moves the counter back
	reader.set(5)
	assert.NoError(g.SignalDuplicateID(ctx, 3))
	next, _ = g.Next(ctx)
	assert.Equal(int64(22), next)

	_, err = NewInMemoryCheckpointGenerator(ctx, &fixedReader{err: errors.New("boom")})
	assert.Error(err)
}

func TestInMemoryCheckpointGenerator_Concurrent(t *testing.T) {
	ctx := context.Background()
	g, err := NewInMemoryCheckpointGenerator(ctx, &fixedReader{})
	_assert.NoError(t, err)

	nWorkers, nEach := 8, 500
	var mu sync.Mutex
	seen := make(map[int64]bool)
	var wg sync.WaitGroup
	wg.Add(nWorkers)
	for i := 0; i < nWorkers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < nEach; j++ {
				id, _ := g.Next(ctx)
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	_assert.Len(t, seen, nWorkers*nEach)
	for id := int64(1); id <= int64(nWorkers*nEach); id++ {
		_assert.True(t, seen[id], "checkpoint %d was skipped", id)
	}
}

func TestAlwaysQueryCheckpointGenerator(t *testing.T) {
	assert := _assert.New(t)
	ctx := context.Background()
	reader := &fixedReader{}
	g := NewAlwaysQueryCheckpointGenerator(reader)

	// nothing was written in between, the generator still moves forward
	for _, expected := range []int64{1, 2, 3} {
		next, err := g.Next(ctx)
		assert.NoError(err)
		assert.Equal(expected, next)
	}

	reader.set(40)
	next, _ := g.Next(ctx)
	assert.Equal(int64(41), next)

	assert.NoError(g.SignalDuplicateID(ctx, 50))
	next, _ = g.Next(ctx)
	assert.Equal(int64(51), next)

	reader.err = errors.New("unreachable")
	_, err := g.Next(ctx)
	assert.Error(err)
}
