package testsuite

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/snowflk/commitdb/internal/persistence"
)

const testBucket = "default"

func newStreamID() string {
	return "stream-" + uuid.NewString()
}

func events(n int, prefix string) []persistence.EventMessage {
	a := make([]persistence.EventMessage, n)
	for i := range a {
		a[i] = persistence.EventMessage{Body: map[string]interface{}{"value": fmt.Sprintf("%s_%d", prefix, i+1)}}
	}
	return a
}

// attempt builds the commitSequence-th commit of a stream carrying nEvents events, each
// earlier commit of the stream holding nEvents events as well.
func attempt(bucketID, streamID string, commitSequence, nEvents int) persistence.CommitAttempt {
	return persistence.CommitAttempt{
		BucketID:       bucketID,
		StreamID:       streamID,
		CommitID:       persistence.NewCommitID(),
		CommitSequence: commitSequence,
		StreamRevision: commitSequence * nEvents,
		CommitStamp:    time.Now().UTC(),
		Events:         events(nEvents, fmt.Sprintf("%s_%d", streamID, commitSequence)),
	}
}

func bodyValue(e persistence.EventMessage) string {
	body, ok := e.Body.(map[string]interface{})
	if !ok {
		return ""
	}
	v, _ := body["value"].(string)
	return v
}

func checkpoints(commits []persistence.Commit) []persistence.Checkpoint {
	a := make([]persistence.Checkpoint, len(commits))
	for i, c := range commits {
		a[i] = c.Checkpoint
	}
	return a
}

// countingGenerator records what the engine asks from the checkpoint generator.
type countingGenerator struct {
	persistence.CheckpointGenerator
	mu      sync.Mutex
	issued  []int64
	signals []int64
}

func (g *countingGenerator) Next(ctx context.Context) (int64, error) {
	id, err := g.CheckpointGenerator.Next(ctx)
	if err == nil {
		g.mu.Lock()
		g.issued = append(g.issued, id)
		g.mu.Unlock()
	}
	return id, err
}

func (g *countingGenerator) SignalDuplicateID(ctx context.Context, id int64) error {
	g.mu.Lock()
	g.signals = append(g.signals, id)
	g.mu.Unlock()
	return g.CheckpointGenerator.SignalDuplicateID(ctx, id)
}
