// Package bookkeeping applies API key last-used updates off the request
// path. Verification hands each update to a bounded queue and moves on;
// a single worker writes them to the identity store with bounded
// retries. A full queue drops updates rather than blocking a request.
package bookkeeping

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	errs "github.com/alexjbarnes/gdelt-mcp/internal/errors"
	"github.com/alexjbarnes/gdelt-mcp/internal/metrics"
)

const (
	defaultSize        = 1024
	defaultTimeout     = 2 * time.Second
	defaultMaxAttempts = 3
	defaultBackoff     = 50 * time.Millisecond

	// maxBatch caps how many queued updates one worker pass coalesces.
	maxBatch = 256
)

// Write results reported to metrics.
const (
	resultOK      = "ok"
	resultError   = "error"
	resultDropped = "dropped"
	resultSkipped = "skipped"
)

// Writer persists a last-used timestamp for the key with the given
// digest.
type Writer interface {
	TouchAPIKey(keyHash string, at time.Time) error
}

// Options configures a Queue. Zero values take defaults.
type Options struct {
	Size        int
	Timeout     time.Duration
	MaxAttempts int
	Backoff     time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

type update struct {
	keyHash string
	at      time.Time
}

// Queue buffers last-used updates for a single background worker.
type Queue struct {
	writer      Writer
	ch          chan update
	timeout     time.Duration
	maxAttempts int
	backoff     time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// New creates a Queue. Call Run to start applying updates.
func New(w Writer, opts Options) *Queue {
	if opts.Size <= 0 {
		opts.Size = defaultSize
	}

	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}

	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}

	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}

	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Queue{
		writer:      w,
		ch:          make(chan update, opts.Size),
		timeout:     opts.Timeout,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
	}
}

// RecordUse enqueues a last-used update. It never blocks: when the
// queue is full the update is dropped and counted.
func (q *Queue) RecordUse(keyHash string, at time.Time) {
	select {
	case q.ch <- update{keyHash: keyHash, at: at}:
		q.metrics.BookkeepingDepth(len(q.ch))
	default:
		q.metrics.BookkeepingWrite(resultDropped)
		q.logger.Warn("bookkeeping: queue full, dropping last-used update",
			slog.Int("capacity", cap(q.ch)),
		)
	}
}

// Pending returns the number of queued updates.
func (q *Queue) Pending() int {
	return len(q.ch)
}

// Run applies queued updates until ctx is cancelled, then drains what
// is already queued and returns.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			q.drain()
			return nil
		case u := <-q.ch:
			q.apply(q.collect(u))
		}
	}
}

// collect gathers first plus whatever else is immediately available,
// keeping only the latest timestamp per key.
func (q *Queue) collect(first update) map[string]time.Time {
	batch := map[string]time.Time{first.keyHash: first.at}

	for len(batch) < maxBatch {
		select {
		case u := <-q.ch:
			if prev, ok := batch[u.keyHash]; !ok || u.at.After(prev) {
				batch[u.keyHash] = u.at
			}
		default:
			return batch
		}
	}

	return batch
}

func (q *Queue) drain() {
	for {
		select {
		case u := <-q.ch:
			q.apply(q.collect(u))
		default:
			q.metrics.BookkeepingDepth(0)
			return
		}
	}
}

func (q *Queue) apply(batch map[string]time.Time) {
	q.metrics.BookkeepingDepth(len(q.ch))

	for hash, at := range batch {
		q.write(hash, at)
	}
}

// write attempts one update up to maxAttempts times. The timeout
// bounds the backoff between attempts, not an attempt in progress.
func (q *Queue) write(keyHash string, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()

	wait := q.backoff

	var err error

	for attempt := 1; ; attempt++ {
		err = q.writer.TouchAPIKey(keyHash, at)
		if err == nil {
			q.metrics.BookkeepingWrite(resultOK)
			return
		}

		if errors.Is(err, errs.ErrKeyNotFound) {
			q.metrics.BookkeepingWrite(resultSkipped)
			q.logger.Debug("bookkeeping: key no longer exists", slog.String("error", err.Error()))

			return
		}

		if attempt >= q.maxAttempts {
			break
		}

		if !sleep(ctx, wait) {
			err = errors.Join(err, ctx.Err())
			break
		}

		wait *= 2
	}

	q.metrics.BookkeepingWrite(resultError)
	q.logger.Warn("bookkeeping: giving up on last-used update",
		slog.Int("max_attempts", q.maxAttempts),
		slog.String("error", err.Error()),
	)
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
