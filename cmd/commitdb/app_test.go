package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/snowflk/commitdb/internal/config"
	"github.com/snowflk/commitdb/internal/persistence"
	"github.com/snowflk/commitdb/internal/wireup"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T) string {
	dir := t.TempDir()
	path := filepath.Join(dir, "commitdb.yaml")
	content := "storage:\n  driver: bolt\n  path: " + filepath.Join(dir, "commits.db") + "\nlog:\n  level: error\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	app := newApp()
	var out bytes.Buffer
	app.Writer = &out
	err := app.Run(append([]string{"commitdb"}, args...))
	return out.String(), err
}

func seed(t *testing.T, path string, streams ...string) {
	cfg, err := config.Load(path)
	require.NoError(t, err)
	ctx := context.Background()
	engine, err := wireup.OpenEngine(ctx, cfg, nil)
	require.NoError(t, err)
	defer engine.Close()
	for _, stream := range streams {
		_, err := engine.Commit(ctx, persistence.CommitAttempt{
			BucketID:       persistence.DefaultBucket,
			StreamID:       stream,
			CommitID:       persistence.NewCommitID(),
			CommitSequence: 1,
			StreamRevision: 1,
			Events:         []persistence.EventMessage{{Body: map[string]interface{}{"stream": stream}}},
		})
		require.NoError(t, err)
	}
	engine.Flush()
}

func decodeLines(t *testing.T, out string) []persistence.Commit {
	var commits []persistence.Commit
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		var c persistence.Commit
		require.NoError(t, json.Unmarshal([]byte(line), &c))
		commits = append(commits, c)
	}
	return commits
}

func TestApp_Init(t *testing.T) {
	out, err := run(t, "--config", writeConfig(t), "init")
	require.NoError(t, err)
	assert.Contains(t, out, "store is ready")
}

func TestApp_CommitsAndRecycleBin(t *testing.T) {
	path := writeConfig(t)
	seed(t, path, "a", "b", "c")

	out, err := run(t, "--config", path, "commits", "--from", "1")
	require.NoError(t, err)
	commits := decodeLines(t, out)
	require.Len(t, commits, 2)
	assert.Equal(t, persistence.Checkpoint(2), commits[0].Checkpoint)
	assert.Equal(t, "c", commits[1].StreamID)

	out, err = run(t, "--config", path, "commits", "--to", "2")
	require.NoError(t, err)
	assert.Len(t, decodeLines(t, out), 2)

	out, err = run(t, "--config", path, "commits", "--stream", "b*")
	require.NoError(t, err)
	commits = decodeLines(t, out)
	require.Len(t, commits, 1)
	assert.Equal(t, "b", commits[0].StreamID)

	_, err = run(t, "--config", path, "delete-stream", "--stream", "b")
	require.NoError(t, err)

	out, err = run(t, "--config", path, "commits")
	require.NoError(t, err)
	assert.Len(t, decodeLines(t, out), 2)

	out, err = run(t, "--config", path, "commits", "--include-deleted")
	require.NoError(t, err)
	assert.Len(t, decodeLines(t, out), 3)

	out, err = run(t, "--config", path, "deleted")
	require.NoError(t, err)
	deleted := decodeLines(t, out)
	require.Len(t, deleted, 1)
	assert.Equal(t, "b", deleted[0].StreamID)

	_, err = run(t, "--config", path, "empty-recycle-bin")
	require.NoError(t, err)
}

func TestApp_HeadsAndSnapshots(t *testing.T) {
	path := writeConfig(t)
	seed(t, path, "a")

	out, err := run(t, "--config", path, "heads", "--threshold", "1")
	require.NoError(t, err)
	assert.Contains(t, out, `"StreamID":"a"`)

	_, err = run(t, "--config", path, "snapshot", "--stream", "a")
	assert.Error(t, err)
}

func TestApp_PurgeNeedsConfirmation(t *testing.T) {
	path := writeConfig(t)
	seed(t, path, "a")

	_, err := run(t, "--config", path, "purge")
	assert.Error(t, err)

	_, err = run(t, "--config", path, "purge", "--yes")
	require.NoError(t, err)
	out, err := run(t, "--config", path, "commits")
	require.NoError(t, err)
	assert.Empty(t, decodeLines(t, out))
}

func TestApp_BadConfig(t *testing.T) {
	_, err := run(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "init")
	assert.Error(t, err)
}
