// Package polling delivers the commits of a store to a handler in checkpoint order by
// reading it again and again from the last delivered checkpoint.
package polling

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/snowflk/commitdb/internal/persistence"
)

const DefaultInterval = time.Second

var ErrAlreadyStarted = errors.New("polling client already started")

// HandlingResult tells the client what to do after a commit was handed to the handler.
type HandlingResult int

const (
	// MoveToNext records the commit as delivered.
	MoveToNext HandlingResult = iota
	// Retry hands the same commit to the handler again after the polling interval.
	Retry
	// Stop ends polling. The commit is not recorded as delivered.
	Stop
)

func (r HandlingResult) String() string {
	switch r {
	case MoveToNext:
		return "move-to-next"
	case Retry:
		return "retry"
	case Stop:
		return "stop"
	}
	return "unknown"
}

// Reader is the ordered read the client polls. *persistence.Engine implements it.
type Reader interface {
	Observe(ctx context.Context, q persistence.Query, obs persistence.Observer) error
}

type Handler func(ctx context.Context, c persistence.Commit) HandlingResult

type Options struct {
	// Interval is the delay between two polls that found nothing new.
	Interval time.Duration
	// HoleWait is how long a missing checkpoint is waited for before it is skipped.
	// With zero, gaps are skipped right away.
	HoleWait time.Duration
	// Backoff paces polls after read errors. Defaults to an exponential backoff that never
	// gives up.
	Backoff func() backoff.BackOff
	Logger  *log.Entry
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Backoff == nil {
		o.Backoff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 0
			b.MaxInterval = 30 * time.Second
			return b
		}
	}
	if o.Logger == nil {
		o.Logger = log.WithField("component", "polling")
	}
	return o
}

// Client runs one polling loop at a time. Its position only moves past commits the
// handler accepted, so a restart from Position never loses a commit.
type Client struct {
	reader  Reader
	handler Handler
	opts    Options
	log     *log.Entry

	position int64
	// waitedAfter is the position a gap was last waited for.
	waitedAfter int64

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wake    chan struct{}
	done    chan struct{}
}

func New(reader Reader, handler Handler, opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{
		reader:  reader,
		handler: handler,
		opts:    opts,
		log:     opts.Logger,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start begins polling after the given checkpoint. A client can be started once.
func (c *Client) Start(from persistence.Checkpoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true
	atomic.StoreInt64(&c.position, int64(from))
	c.waitedAfter = -1

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.run(ctx)
	c.log.WithField("from", from).Info("polling started")
	return nil
}

// Stop ends polling and waits for the loop to exit. A commit being handled is finished first.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	started := c.started
	c.mu.Unlock()
	if !started {
		return
	}
	cancel()
	<-c.done
}

// PollNow skips the wait before the next poll.
func (c *Client) PollNow() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Position is the checkpoint of the last delivered commit.
func (c *Client) Position() persistence.Checkpoint {
	return persistence.Checkpoint(atomic.LoadInt64(&c.position))
}

// Done is closed once the polling loop has exited.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	defer func() { c.log.WithField("position", c.Position()).Info("polling stopped") }()

	policy := c.opts.Backoff()
	for {
		result, err := c.poll(ctx)
		if ctx.Err() != nil || result == pollStopped {
			return
		}
		delay := c.opts.Interval
		switch {
		case err != nil:
			delay = policy.NextBackOff()
			if delay == backoff.Stop {
				c.log.WithError(err).Error("polling gave up")
				return
			}
			c.log.WithError(err).WithField("retry_in", delay).Error("failed to read commits")
		case result == pollGap:
			policy.Reset()
			delay = c.opts.HoleWait
		default:
			policy.Reset()
		}
		if !c.sleep(ctx, delay, err == nil) {
			return
		}
	}
}

type pollResult int

const (
	pollIdle pollResult = iota
	pollGap
	pollStopped
)

// poll reads everything after the current position once.
func (c *Client) poll(ctx context.Context) (pollResult, error) {
	result := pollIdle
	var handlerErr error
	err := c.reader.Observe(ctx, persistence.FromCheckpoint(c.Position()), persistence.ObserverFuncs{
		Next: func(ctx context.Context, commit persistence.Commit) bool {
			position := c.Position()
			if commit.Checkpoint <= position {
				return true
			}
			if c.opts.HoleWait > 0 && commit.Checkpoint > position+1 && c.waitedAfter != int64(position) {
				c.waitedAfter = int64(position)
				c.log.WithFields(log.Fields{
					"position": position,
					"next":     commit.Checkpoint,
				}).Debug("checkpoint gap, waiting for it to fill")
				result = pollGap
				return false
			}
			if commit.BucketID != persistence.SystemBucket {
				switch c.deliver(ctx, commit) {
				case Stop:
					result = pollStopped
					return false
				case Retry:
					// only reached when ctx was cancelled during a retry
					handlerErr = ctx.Err()
					return false
				}
			}
			atomic.StoreInt64(&c.position, int64(commit.Checkpoint))
			return true
		},
	})
	if err != nil {
		return result, err
	}
	return result, handlerErr
}

// deliver hands a commit to the handler until it is accepted, refused or ctx ends.
func (c *Client) deliver(ctx context.Context, commit persistence.Commit) HandlingResult {
	for {
		result := c.handler(ctx, commit)
		if result != Retry {
			return result
		}
		c.log.WithField("checkpoint", commit.Checkpoint).Debug("handler asked for a retry")
		if !c.sleep(ctx, c.opts.Interval, false) {
			return Retry
		}
	}
}

// sleep waits for d, a PollNow call when wakeable, or the end of ctx. It reports whether
// polling should go on.
func (c *Client) sleep(ctx context.Context, d time.Duration, wakeable bool) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	var wake <-chan struct{}
	if wakeable {
		wake = c.wake
	}
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-wake:
		return true
	}
}
