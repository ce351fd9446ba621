package wireup

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/snowflk/commitdb/internal/config"
	"github.com/snowflk/commitdb/internal/persistence"
	"github.com/snowflk/commitdb/internal/persistence/sqlstorage"
	"github.com/snowflk/commitdb/internal/polling"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, driver string) config.Config {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Storage.Driver = driver
	cfg.Storage.Path = filepath.Join(t.TempDir(), "store", "commits.db")
	return cfg
}

func TestOpenEngine(t *testing.T) {
	for _, driver := range []string{config.DriverBolt, config.DriverSQLite} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			cache := sqlstorage.NewConnCache(time.Minute)
			defer cache.Close()

			engine, err := OpenEngine(ctx, testConfig(t, driver), cache)
			require.NoError(t, err)
			defer engine.Close()

			c, err := engine.Commit(ctx, persistence.CommitAttempt{
				BucketID:       persistence.DefaultBucket,
				StreamID:       "s",
				CommitID:       persistence.NewCommitID(),
				CommitSequence: 1,
				StreamRevision: 1,
				Events:         []persistence.EventMessage{{Body: map[string]interface{}{"n": 1}}},
			})
			require.NoError(t, err)
			assert.Equal(t, persistence.Checkpoint(1), c.Checkpoint)

			delivered := make(chan persistence.Checkpoint, 1)
			client := NewPollingClient(engine, func(_ context.Context, c persistence.Commit) polling.HandlingResult {
				delivered <- c.Checkpoint
				return polling.Stop
			}, config.PollingConfig{Interval: 10 * time.Millisecond})
			require.NoError(t, client.Start(0))
			select {
			case cp := <-delivered:
				assert.Equal(t, persistence.Checkpoint(1), cp)
			case <-time.After(5 * time.Second):
				t.Fatal("commit was not polled")
			}
			<-client.Done()
		})
	}
}

func TestOpenBackend_UnknownDriver(t *testing.T) {
	_, err := OpenBackend(context.Background(), config.StorageConfig{Driver: "mongo"}, nil)
	assert.Error(t, err)
}

func TestEngineOptions(t *testing.T) {
	opts := EngineOptions(config.PersistenceConfig{
		CheckpointStrategy: config.StrategyAlwaysQuery,
		FillHoles:          true,
		Snapshots:          false,
		PageSize:           16,
		Headers:            config.HeadersArrayOfDocuments,
		Payloads:           config.PayloadsBinary,
	})
	assert.Equal(t, persistence.AlwaysQueryCheckpoints, opts.CheckpointStrategy)
	assert.True(t, opts.FillHoles)
	assert.True(t, opts.DisableSnapshots)
	assert.Equal(t, 16, opts.PageSize)
	assert.Equal(t, persistence.HeadersAsArrayOfDocuments, opts.Codec.Headers)
	assert.Equal(t, persistence.PayloadBinary, opts.Codec.Payloads)
}

func TestConfigureLogging(t *testing.T) {
	assert.NoError(t, ConfigureLogging(config.LogConfig{Level: "warn", Format: "json"}))
	assert.Error(t, ConfigureLogging(config.LogConfig{Level: "loud", Format: "text"}))
	assert.NoError(t, ConfigureLogging(config.LogConfig{Level: "info", Format: "text"}))
}
