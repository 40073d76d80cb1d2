package offline

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PendingRequest is a serializable mutation descriptor held for retry.
// Only configuration is persisted, never a bound callback; replay is
// reconstructed from method, target URL and body.
type PendingRequest struct {
	ID         string          `json:"id"`
	DedupeKey  string          `json:"dedupeKey"`
	Method     string          `json:"method"`
	TargetURL  string          `json:"targetUrl"`
	Body       json.RawMessage `json:"body,omitempty"`
	SessionID  string          `json:"sessionId,omitempty"`
	LineID     string          `json:"lineId,omitempty"`
	Generation int64           `json:"generation,omitempty"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	RetryCount int             `json:"retryCount"`
}

// ErrStale is returned by a flush sender when the queued mutation
// targets a cart-line generation that has since been superseded; the
// entry is dropped without retrying.
var ErrStale = errors.New("stale generation")

// SendFunc replays one queued request against the upstream.
type SendFunc func(ctx context.Context, req PendingRequest) error

// Queue holds failed non-read mutations, deduplicated by method+target,
// and retries them with exponential backoff once connectivity returns.
// The in-memory list and its durable mirror are owned exclusively by
// this component.
type Queue struct {
	mu         sync.Mutex
	entries    []PendingRequest
	store      *Store
	logger     *zap.Logger
	maxAge     time.Duration
	maxRetries int
	baseDelay  time.Duration
	flushing   bool
}

type Options struct {
	Path       string
	MaxAge     time.Duration
	MaxRetries int
	BaseDelay  time.Duration
}

func NewQueue(opts Options, logger *zap.Logger) *Queue {
	if opts.MaxAge <= 0 {
		opts.MaxAge = 24 * time.Hour
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 4
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	return &Queue{
		store:      NewStore(opts.Path),
		logger:     logger,
		maxAge:     opts.MaxAge,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
	}
}

// Load restores queued entries from durable storage, dropping anything
// older than the expiry window and rewriting storage without it.
func (q *Queue) Load() error {
	entries, err := q.store.Read()
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().Add(-q.maxAge)
	kept := make([]PendingRequest, 0, len(entries))
	for _, entry := range entries {
		if entry.EnqueuedAt.Before(cutoff) {
			if q.logger != nil {
				q.logger.Info("dropping expired queued request",
					zap.String("dedupeKey", entry.DedupeKey),
					zap.Time("enqueuedAt", entry.EnqueuedAt))
			}
			continue
		}
		kept = append(kept, entry)
	}
	q.entries = kept
	return q.store.Write(q.entries)
}

// Enqueue records a failed mutation for retry. Read requests are never
// queued. A request whose dedupe key is already present does not grow
// the queue; the existing entry's descriptor is refreshed in place so a
// later intent for the same target wins over the one it supersedes.
func (q *Queue) Enqueue(req PendingRequest) bool {
	if req.Method == http.MethodGet {
		return false
	}
	req.DedupeKey = req.Method + " " + req.TargetURL

	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.entries {
		if q.entries[i].DedupeKey == req.DedupeKey {
			q.entries[i].Body = req.Body
			q.entries[i].SessionID = req.SessionID
			q.entries[i].LineID = req.LineID
			q.entries[i].Generation = req.Generation
			q.entries[i].EnqueuedAt = time.Now()
			if err := q.store.Write(q.entries); err != nil && q.logger != nil {
				q.logger.Warn("queue persist failed", zap.Error(err))
			}
			return false
		}
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = time.Now()
	}
	q.entries = append(q.entries, req)
	if err := q.store.Write(q.entries); err != nil && q.logger != nil {
		q.logger.Warn("queue persist failed", zap.Error(err))
	}
	if q.logger != nil {
		q.logger.Info("request queued for retry", zap.String("dedupeKey", req.DedupeKey))
	}
	return true
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Entries returns a copy of the queued entries in FIFO order.
func (q *Queue) Entries() []PendingRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PendingRequest, len(q.entries))
	copy(out, q.entries)
	return out
}

// Flush drains the queue in FIFO order, retrying each entry with
// exponential backoff. Entries whose sender reports ErrStale or a
// permanent rejection are dropped; a connectivity failure stops the
// flush and leaves the remainder queued for the next reconnect.
func (q *Queue) Flush(ctx context.Context, send SendFunc) {
	q.mu.Lock()
	if q.flushing {
		q.mu.Unlock()
		return
	}
	q.flushing = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.flushing = false
		q.mu.Unlock()
	}()

	for {
		q.mu.Lock()
		if len(q.entries) == 0 {
			q.mu.Unlock()
			return
		}
		entry := q.entries[0]
		q.mu.Unlock()

		err := RetryWithBackoff(ctx, func(ctx context.Context) error {
			return send(ctx, entry)
		}, q.maxRetries, q.baseDelay)

		if err == nil || errors.Is(err, ErrStale) {
			q.remove(entry.ID)
			continue
		}
		if ctx.Err() != nil {
			return
		}

		var transient *TransientError
		if errors.As(err, &transient) {
			// Still unreachable. Keep this entry and the remainder
			// queued for the next reconnect.
			if q.logger != nil {
				q.logger.Info("flush paused, upstream still unreachable",
					zap.String("dedupeKey", entry.DedupeKey))
			}
			return
		}

		if q.logger != nil {
			q.logger.Warn("queued request failed after retries",
				zap.String("dedupeKey", entry.DedupeKey), zap.Error(err))
		}
		// Permanent rejection. Drop the entry; a later refresh from the
		// server snapshot corrects any drift.
		q.remove(entry.ID)
	}
}

func (q *Queue) remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.entries[:0]
	for _, entry := range q.entries {
		if entry.ID != id {
			kept = append(kept, entry)
		}
	}
	q.entries = kept
	if err := q.store.Write(q.entries); err != nil && q.logger != nil {
		q.logger.Warn("queue persist failed", zap.Error(err))
	}
}

// Backoff returns the delay before retry attempt i: the exponential
// component doubles per attempt and a random jitter of up to one base
// delay avoids synchronized retry storms across reconnecting clients.
func Backoff(attempt int, baseDelay time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	exponential := baseDelay << uint(attempt)
	jitter := time.Duration(rand.Int63n(int64(baseDelay) + 1))
	return exponential + jitter
}

// RetryWithBackoff runs op up to maxRetries+1 times, waiting
// Backoff(i, baseDelay) between attempts. Permanent failures (anything
// the sender marks non-retriable via ErrStale or a Permanent wrapper)
// abort immediately.
func RetryWithBackoff(ctx context.Context, op func(ctx context.Context) error, maxRetries int, baseDelay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(Backoff(attempt-1, baseDelay)):
			}
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		var permanent *PermanentError
		if errors.As(lastErr, &permanent) {
			return permanent.Err
		}
		if errors.Is(lastErr, ErrStale) {
			return lastErr
		}
	}
	return lastErr
}

// PermanentError wraps a failure that will fail identically on retry,
// such as a validation rejection or an expired credential.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// TransientError wraps a connectivity-class failure. A flush that
// exhausts its retries on one keeps the entry queued and pauses until
// the next reconnect.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }
