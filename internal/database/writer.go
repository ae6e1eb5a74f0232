package database

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/amirsofali3/TB/internal/metrics"
	"github.com/amirsofali3/TB/internal/models"
)

// retryJob is a persistence write queued for asynchronous retry.
type retryJob struct {
	desc string
	fn   func(ctx context.Context) error
}

// Writer attempts persistence writes synchronously within a bounded timeout
// on the decision path. Failed or timed-out writes are queued and retried
// with exponential backoff in the background; in-memory state stays
// authoritative, so callers never block on storage.
type Writer struct {
	repo    *Repository
	log     zerolog.Logger
	timeout time.Duration
	queue   chan retryJob
	done    chan struct{}
}

// NewWriter wraps the repository. queueSize bounds the retry backlog;
// writes beyond it are dropped with a warning rather than blocking.
func NewWriter(repo *Repository, timeout time.Duration, queueSize int, log zerolog.Logger) *Writer {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Writer{
		repo:    repo,
		log:     log.With().Str("component", "dbwriter").Logger(),
		timeout: timeout,
		queue:   make(chan retryJob, queueSize),
		done:    make(chan struct{}),
	}
}

// Start runs the retry loop until ctx is cancelled.
func (w *Writer) Start(ctx context.Context) {
	go func() {
		defer close(w.done)
		for {
			select {
			case <-ctx.Done():
				return
			case job := <-w.queue:
				metrics.PersistRetryQueue.Set(float64(len(w.queue)))
				w.retry(ctx, job)
			}
		}
	}()
}

// Drain gives queued writes one last synchronous chance, bounded by ctx.
// Called on shutdown after the main loop stops producing.
func (w *Writer) Drain(ctx context.Context) {
	for {
		select {
		case job := <-w.queue:
			if err := job.fn(ctx); err != nil {
				w.log.Warn().Str("write", job.desc).Err(err).Msg("dropped on shutdown")
			}
		default:
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (w *Writer) retry(ctx context.Context, job retryJob) {
	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	err := backoff.Retry(func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, w.timeout)
		defer cancel()
		return job.fn(attemptCtx)
	}, bo)
	if err != nil {
		w.log.Error().Str("write", job.desc).Err(err).Msg("async persistence retry abandoned")
	}
}

// attempt runs a write synchronously; on failure it enqueues the job for
// background retry and reports success to the caller.
func (w *Writer) attempt(ctx context.Context, desc string, fn func(ctx context.Context) error) {
	syncCtx, cancel := context.WithTimeout(ctx, w.timeout)
	err := fn(syncCtx)
	cancel()
	if err == nil {
		return
	}

	w.log.Warn().Str("write", desc).Err(err).Msg("synchronous persistence failed, queueing retry")
	select {
	case w.queue <- retryJob{desc: desc, fn: fn}:
		metrics.PersistRetryQueue.Set(float64(len(w.queue)))
	default:
		w.log.Error().Str("write", desc).Msg("retry queue full, write dropped")
	}
}

// SaveSignal persists a signal, never blocking past the write timeout.
func (w *Writer) SaveSignal(ctx context.Context, sig *models.Signal) {
	cp := *sig
	w.attempt(ctx, "signal "+cp.ID, func(ctx context.Context) error {
		return w.repo.SaveSignal(ctx, &cp)
	})
}

// UpdateSignalStatus persists a signal lifecycle transition.
func (w *Writer) UpdateSignalStatus(ctx context.Context, id string, status models.SignalStatus) {
	w.attempt(ctx, "signal status "+id, func(ctx context.Context) error {
		return w.repo.UpdateSignalStatus(ctx, id, status)
	})
}

// SavePosition persists a position snapshot.
func (w *Writer) SavePosition(ctx context.Context, pos *models.Position) {
	cp := *pos
	w.attempt(ctx, "position "+cp.ID, func(ctx context.Context) error {
		return w.repo.SavePosition(ctx, &cp)
	})
}
