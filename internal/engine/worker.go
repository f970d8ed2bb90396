package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mschirtzinger/shopsync/internal/schema"
	"github.com/mschirtzinger/shopsync/internal/status"
)

// passResult summarizes one drain pass.
type passResult struct {
	delivered   int
	failed      int
	interrupted bool
	lastErr     error

	// seen holds the ids of the queue copy the pass worked through.
	seen map[string]bool
}

// ForceSync drains the queue now. It is a no-op while offline, and returns
// immediately when a pass is already running. A pass that leaves failures
// returns an error wrapping ErrDelivery.
func (e *Engine) ForceSync(ctx context.Context) error {
	done, ok := e.track()
	if !ok {
		return ErrNotRunning
	}
	defer done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()

	res, ran := e.drain(ctx)
	if !ran || res.failed == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d change(s) failed, last error: %w", ErrDelivery, res.failed, res.lastErr)
}

// syncNow pulls every collection and then drains the queue.
func (e *Engine) syncNow(ctx context.Context) {
	if !e.monitor.Online() {
		return
	}
	if err := e.Pull(ctx); err != nil {
		e.logger.Warn("Pull failed", zap.Error(err))
	}
	e.drain(ctx)
}

// scheduleDrain (re)starts the debounce timer. When it fires a drain pass
// runs in the background.
func (e *Engine) scheduleDrain(delay time.Duration) {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()

	stopTimer(e.debounce)
	e.debounce = time.AfterFunc(delay, func() {
		e.spawn(func(ctx context.Context) { e.drain(ctx) })
	})
}

// scheduleRetry (re)starts the retry timer.
func (e *Engine) scheduleRetry(delay time.Duration) {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()

	stopTimer(e.retry)
	e.retry = time.AfterFunc(delay, func() {
		e.spawn(func(ctx context.Context) { e.drain(ctx) })
	})
	e.logger.Debug("Retry scheduled", zap.Duration("delay", delay))
}

// drain runs one pass if the engine is online, something is deliverable and
// no other pass is running. ran is false when the trigger was dropped or
// there was nothing to do. A dropped trigger only leads to a follow-up pass
// when changes were queued that the running pass never saw; changes it
// attempted wait for the retry timer.
func (e *Engine) drain(ctx context.Context) (res passResult, ran bool) {
	if e.remote == nil || !e.monitor.Online() {
		return res, false
	}
	if e.queue.Deliverable() == 0 {
		return res, false
	}
	if !e.draining.CompareAndSwap(false, true) {
		e.dropped.Store(true)
		e.logger.Debug("Drain already running, trigger dropped")
		return res, false
	}

	res = e.runPass(ctx)
	e.draining.Store(false)

	if e.dropped.Swap(false) && e.hasUnseen(res.seen) {
		e.scheduleDrain(e.opts.Debounce)
	}
	if res.failed > 0 {
		if delay, ok := e.retryDelay(); ok {
			e.scheduleRetry(delay)
		}
	}
	return res, true
}

// runPass delivers every non-failed change of a queue copy in order.
func (e *Engine) runPass(ctx context.Context) passResult {
	var res passResult
	e.publish(status.KindSyncing, "")

	items := e.queue.PeekAll()
	res.seen = make(map[string]bool, len(items))
	for _, item := range items {
		res.seen[item.ID] = true
	}
	e.logger.Info("Sync pass started", zap.Int("queued", len(items)))
	start := time.Now()

	lastSucceeded := false
	for _, item := range items {
		if item.Failed() {
			continue
		}
		if ctx.Err() != nil || !e.monitor.Online() {
			res.interrupted = true
			break
		}
		if lastSucceeded && e.opts.RateLimit > 0 {
			if !sleep(ctx, e.opts.RateLimit) {
				res.interrupted = true
				break
			}
		}

		err := e.deliver(ctx, item)
		lastSucceeded = err == nil
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				res.interrupted = true
				break
			}
			res.failed++
			res.lastErr = err
			// Rejected changes never succeed as-is
			permanent := !IsRetryable(err)
			e.mu.Lock()
			updated, ok := e.queue.RecordFailure(item.ID, err, time.Now(), permanent)
			e.mu.Unlock()
			if ok {
				e.logger.Warn("Delivery failed",
					zap.String("id", item.ID),
					zap.String("path", item.Path()),
					zap.Int("attempts", updated.Attempts),
					zap.Error(err))
			}
			continue
		}

		e.mu.Lock()
		_, rmErr := e.queue.Remove(item.ID)
		e.mu.Unlock()
		if rmErr != nil {
			e.logger.Error("Failed to persist queue after delivery", zap.Error(rmErr))
		}
		res.delivered++
	}

	e.mu.Lock()
	if err := e.queue.Save(); err != nil {
		e.logger.Error("Failed to persist queue", zap.Error(err))
	}
	clean := res.failed == 0 && !res.interrupted
	if clean {
		e.markSynced(time.Now())
	}
	e.mu.Unlock()

	e.logger.Info("Sync pass finished",
		zap.Int("delivered", res.delivered),
		zap.Int("failed", res.failed),
		zap.Bool("interrupted", res.interrupted),
		zap.Int("pending", e.queue.Len()),
		zap.Duration("took", time.Since(start)))

	if clean {
		e.publish(status.KindSuccess, "")
	} else {
		e.publish(status.KindError, errorMessage(res.lastErr, "sync interrupted"))
	}
	return res
}

// hasUnseen reports whether the queue holds deliverable changes that are
// not in seen.
func (e *Engine) hasUnseen(seen map[string]bool) bool {
	for _, item := range e.queue.PeekAll() {
		if !item.Failed() && !seen[item.ID] {
			return true
		}
	}
	return false
}

// deliver sends one change to the remote store.
func (e *Engine) deliver(ctx context.Context, change *schema.PendingChange) error {
	path := change.Path()

	var err error
	switch change.Op {
	case schema.OpSet:
		err = e.remote.Set(ctx, path, change.Document)
	case schema.OpUpdate:
		err = e.remote.Update(ctx, path, change.Document)
	case schema.OpDelete:
		err = e.remote.Delete(ctx, path)
	default:
		err = fmt.Errorf("%w: unknown op %q", ErrInvalid, change.Op)
	}
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrDelivery, change.Op, path, err)
	}
	return nil
}

// retryDelay computes the backoff for the least-attempted retryable change.
// ok is false when automatic retries are disabled or nothing is retryable.
func (e *Engine) retryDelay() (time.Duration, bool) {
	if e.opts.RetryBackoff <= 0 {
		return 0, false
	}
	attempts := 0
	for _, item := range e.queue.PeekAll() {
		if item.Failed() || item.Attempts == 0 {
			continue
		}
		if attempts == 0 || item.Attempts < attempts {
			attempts = item.Attempts
		}
	}
	if attempts == 0 {
		return 0, false
	}
	return backoff(e.opts.RetryBackoff, e.opts.MaxRetryBackoff, attempts), true
}

// backoff returns base*2^(attempts-1) capped at limit.
func backoff(base, limit time.Duration, attempts int) time.Duration {
	d := base
	for i := 1; i < attempts && d < limit; i++ {
		d *= 2
	}
	if d > limit {
		return limit
	}
	return d
}

// sleep waits for d or until ctx is done. It reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
