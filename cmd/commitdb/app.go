package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/snowflk/commitdb/internal/config"
	"github.com/snowflk/commitdb/internal/persistence"
	"github.com/snowflk/commitdb/internal/persistence/sqlstorage"
	"github.com/snowflk/commitdb/internal/polling"
	"github.com/snowflk/commitdb/internal/wireup"
	"github.com/urfave/cli/v2"
)

const configKey = "config"

func newApp() *cli.App {
	return &cli.App{
		Name:  "commitdb",
		Usage: "inspect and maintain a commit store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "configuration file (yaml, json or toml)",
				EnvVars: []string{"COMMITDB_CONFIG"},
			},
		},
		Before: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			if err := wireup.ConfigureLogging(cfg.Log); err != nil {
				return err
			}
			c.App.Metadata = map[string]interface{}{configKey: cfg}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "init",
				Usage:  "create collections and indexes",
				Action: withEngine(initStore),
			},
			{
				Name:  "commits",
				Usage: "print commits in checkpoint order as JSON lines",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "from", Usage: "exclusive start checkpoint"},
					&cli.Int64Flag{Name: "to", Usage: "inclusive end checkpoint, 0 reads to the end"},
					&cli.StringFlag{Name: "bucket", Usage: "only read this bucket"},
					&cli.BoolFlag{Name: "include-deleted", Usage: "also read the recycle bin"},
					&cli.StringFlag{Name: "stream", Value: "*", Usage: "only print streams matching this glob"},
				},
				Action: withEngine(printCommits),
			},
			{
				Name:   "deleted",
				Usage:  "print the commits in the recycle bin",
				Action: withEngine(printDeleted),
			},
			{
				Name:  "tail",
				Usage: "follow the store and print new commits until interrupted",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "from", Usage: "exclusive start checkpoint"},
				},
				Action: withEngine(tail),
			},
			{
				Name:  "delete-stream",
				Usage: "move a stream to the recycle bin",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "bucket", Value: persistence.DefaultBucket},
					&cli.StringFlag{Name: "stream", Required: true},
				},
				Action: withEngine(deleteStream),
			},
			{
				Name:   "empty-recycle-bin",
				Usage:  "delete recycled commits, keeping the last one",
				Action: withEngine(emptyRecycleBin),
			},
			{
				Name:  "purge",
				Usage: "delete every commit, stream head and snapshot",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "bucket", Usage: "only purge this bucket"},
					&cli.BoolFlag{Name: "yes", Usage: "confirm the purge"},
				},
				Action: withEngine(purge),
			},
			{
				Name:  "heads",
				Usage: "list the streams that need a snapshot",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "bucket", Value: persistence.DefaultBucket},
					&cli.IntFlag{Name: "threshold", Value: 1},
				},
				Action: withEngine(printHeads),
			},
			{
				Name:  "snapshot",
				Usage: "print the latest snapshot of a stream",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "bucket", Value: persistence.DefaultBucket},
					&cli.StringFlag{Name: "stream", Required: true},
					&cli.IntFlag{Name: "max-revision", Usage: "0 means the latest"},
				},
				Action: withEngine(printSnapshot),
			},
		},
	}
}

type engineAction func(ctx context.Context, c *cli.Context, engine *persistence.Engine) error

// withEngine opens the configured store around a command.
func withEngine(action engineAction) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, ok := c.App.Metadata[configKey].(config.Config)
		if !ok {
			return errors.New("configuration is not loaded")
		}
		ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()

		cache := sqlstorage.NewConnCache(cfg.Storage.ConnIdleTimeout)
		defer cache.Close()
		engine, err := wireup.OpenEngine(ctx, cfg, cache)
		if err != nil {
			return err
		}
		defer engine.Close()
		return action(ctx, c, engine)
	}
}

func initStore(_ context.Context, c *cli.Context, _ *persistence.Engine) error {
	_, err := fmt.Fprintln(c.App.Writer, "store is ready")
	return err
}

func printCommits(ctx context.Context, c *cli.Context, engine *persistence.Engine) error {
	from := persistence.Checkpoint(c.Int64("from"))
	to := persistence.Checkpoint(c.Int64("to"))
	var q persistence.Query
	if bucket := c.String("bucket"); bucket != "" {
		q = persistence.BucketFromCheckpoint(bucket, from)
	} else {
		q = persistence.CheckpointRange(from, to)
		if c.Bool("include-deleted") {
			q = q.IncludeDeleted()
		}
	}

	streams := persistence.Pattern(c.String("stream"))
	enc := json.NewEncoder(c.App.Writer)
	var writeErr error
	err := engine.Observe(ctx, q, persistence.ObserverFuncs{
		Next: func(_ context.Context, commit persistence.Commit) bool {
			if to > 0 && to.Before(commit.Checkpoint) {
				return false
			}
			if !streams.MatchCommit(commit) {
				return true
			}
			writeErr = enc.Encode(commit)
			return writeErr == nil
		},
	})
	if err != nil {
		return err
	}
	return writeErr
}

func printDeleted(ctx context.Context, c *cli.Context, engine *persistence.Engine) error {
	commits, err := engine.GetDeletedCommits(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(c.App.Writer)
	for _, commit := range commits {
		if err := enc.Encode(commit); err != nil {
			return err
		}
	}
	return nil
}

func tail(ctx context.Context, c *cli.Context, engine *persistence.Engine) error {
	cfg := c.App.Metadata[configKey].(config.Config)
	enc := json.NewEncoder(c.App.Writer)
	var writeErr error
	client := wireup.NewPollingClient(engine, func(_ context.Context, commit persistence.Commit) polling.HandlingResult {
		if writeErr = enc.Encode(commit); writeErr != nil {
			return polling.Stop
		}
		return polling.MoveToNext
	}, cfg.Polling)
	if err := client.Start(persistence.Checkpoint(c.Int64("from"))); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		client.Stop()
	case <-client.Done():
	}
	return writeErr
}

func deleteStream(ctx context.Context, c *cli.Context, engine *persistence.Engine) error {
	return engine.DeleteStream(ctx, c.String("bucket"), c.String("stream"))
}

func emptyRecycleBin(ctx context.Context, _ *cli.Context, engine *persistence.Engine) error {
	return engine.EmptyRecycleBin(ctx)
}

func purge(ctx context.Context, c *cli.Context, engine *persistence.Engine) error {
	if !c.Bool("yes") {
		return errors.New("purge deletes data, pass --yes to confirm")
	}
	if bucket := c.String("bucket"); bucket != "" {
		return engine.PurgeBucket(ctx, bucket)
	}
	return engine.Purge(ctx)
}

func printHeads(ctx context.Context, c *cli.Context, engine *persistence.Engine) error {
	heads, err := engine.GetStreamsToSnapshot(ctx, c.String("bucket"), c.Int("threshold"))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(c.App.Writer)
	for _, head := range heads {
		if err := enc.Encode(head); err != nil {
			return err
		}
	}
	return nil
}

func printSnapshot(ctx context.Context, c *cli.Context, engine *persistence.Engine) error {
	snapshot, err := engine.GetSnapshot(ctx, c.String("bucket"), c.String("stream"), c.Int("max-revision"))
	if err != nil {
		return err
	}
	if snapshot == nil {
		return errors.Errorf("stream %s/%s has no snapshot", c.String("bucket"), c.String("stream"))
	}
	return json.NewEncoder(c.App.Writer).Encode(snapshot)
}
