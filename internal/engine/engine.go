package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/mschirtzinger/shopsync/internal/connectivity"
	"github.com/mschirtzinger/shopsync/internal/queue"
	"github.com/mschirtzinger/shopsync/internal/remote"
	"github.com/mschirtzinger/shopsync/internal/schema"
	"github.com/mschirtzinger/shopsync/internal/snapshot"
	"github.com/mschirtzinger/shopsync/internal/status"
	"github.com/mschirtzinger/shopsync/internal/store"
)

// Options configures an Engine. Start from DefaultOptions; zero durations
// mean "no delay" and a zero RetryBackoff disables automatic retry timers.
type Options struct {
	// Store is the durable local storage. Required.
	Store store.KV

	// Remote is the remote document store. Nil keeps the engine offline.
	Remote remote.Store

	Logger *zap.Logger

	// Debounce coalesces bursts of writes into one drain trigger.
	Debounce time.Duration

	// RateLimit is the pause after each successful delivery.
	RateLimit time.Duration

	// SettleDelay is how long the connection must stay up before the
	// engine pulls and drains.
	SettleDelay time.Duration

	// ProbeInterval is how often remote reachability is probed. Zero
	// disables periodic probing.
	ProbeInterval time.Duration

	// ProbeTimeout bounds a single probe.
	ProbeTimeout time.Duration

	// RetryBackoff is the base delay before retrying failed deliveries,
	// doubled per attempt up to MaxRetryBackoff.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration

	// MaxAttempts is the number of deliveries before a change is marked
	// failed.
	MaxAttempts int

	// ResyncSchedule is an optional cron spec ("@every 5m", "0 * * * *")
	// for periodic pull and drain.
	ResyncSchedule string

	// SkipInitialSync makes Init only determine connectivity. Nothing is
	// pulled or delivered until a write, a ForceSync or a reconnect.
	SkipInitialSync bool
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Debounce:        500 * time.Millisecond,
		RateLimit:       300 * time.Millisecond,
		SettleDelay:     2 * time.Second,
		ProbeInterval:   30 * time.Second,
		ProbeTimeout:    5 * time.Second,
		RetryBackoff:    5 * time.Second,
		MaxRetryBackoff: 5 * time.Minute,
		MaxAttempts:     queue.DefaultMaxAttempts,
	}
}

// Stats is a point-in-time summary of sync state.
type Stats struct {
	PendingChanges int        `json:"pending_changes"`
	Failed         int        `json:"failed"`
	Online         bool       `json:"online"`
	LastSyncAt     *time.Time `json:"last_sync_at,omitempty"`
	IsSyncing      bool       `json:"is_syncing"`

	// Subscribers and DroppedEvents describe status event fan-out. An
	// event is dropped for a subscriber whose buffer is full.
	Subscribers   int    `json:"subscribers"`
	DroppedEvents uint64 `json:"dropped_events"`
}

// HasPendingChanges reports whether anything is still queued.
func (s Stats) HasPendingChanges() bool {
	return s.PendingChanges > 0
}

type lifecycle int

const (
	stateNew lifecycle = iota
	stateRunning
	stateClosed
)

// Engine is the local-first sync engine. It owns the snapshot, the queue,
// the connectivity monitor and the status broadcaster.
type Engine struct {
	opts   Options
	kv     store.KV
	remote remote.Store
	logger *zap.Logger

	snap    *snapshot.Snapshot
	queue   *queue.Queue
	status  *status.Broadcaster
	monitor *connectivity.Monitor
	cron    *cron.Cron

	// mu serializes local mutations with their persistence and with the
	// application of pulled collections. Every queue mutation that persists
	// happens under mu.
	mu         sync.Mutex
	lastSyncAt time.Time

	draining atomic.Bool
	dropped  atomic.Bool

	timerMu  sync.Mutex
	debounce *time.Timer
	retry    *time.Timer

	lifeMu sync.Mutex
	state  lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine. Call Init before using it.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.Debounce = nonNegative(opts.Debounce)
	opts.RateLimit = nonNegative(opts.RateLimit)
	opts.SettleDelay = nonNegative(opts.SettleDelay)
	opts.RetryBackoff = nonNegative(opts.RetryBackoff)
	if opts.MaxRetryBackoff < opts.RetryBackoff {
		opts.MaxRetryBackoff = opts.RetryBackoff
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		opts:   opts,
		kv:     opts.Store,
		remote: opts.Remote,
		logger: logger.Named("engine"),
		snap:   snapshot.New(opts.Store, logger.Named("snapshot")),
		queue:  queue.New(opts.Store, logger.Named("queue"), opts.MaxAttempts),
		status: status.NewBroadcaster(),
		ctx:    ctx,
		cancel: cancel,
	}

	var prober connectivity.Prober
	if opts.Remote != nil {
		prober = opts.Remote
	}
	e.monitor = connectivity.New(prober, connectivity.Handlers{
		OnOnline:  func() { e.publish(status.KindOnline, "") },
		OnOffline: func() { e.publish(status.KindOffline, "") },
		OnSettled: func(context.Context) { e.spawn(e.syncNow) },
	}, &connectivity.Config{
		ProbeInterval: opts.ProbeInterval,
		ProbeTimeout:  opts.ProbeTimeout,
		SettleDelay:   opts.SettleDelay,
		Logger:        logger,
	})

	if opts.ResyncSchedule != "" {
		c, err := newResync(opts.ResyncSchedule, e)
		if err != nil {
			cancel()
			return nil, err
		}
		e.cron = c
	}

	return e, nil
}

// Init restores persisted state, determines connectivity and, when online
// and SkipInitialSync is unset, pulls every collection and drains the queue
// before returning. Corrupt local state is reset and logged; it never fails
// Init.
func (e *Engine) Init(ctx context.Context) error {
	e.lifeMu.Lock()
	if e.state != stateNew {
		e.lifeMu.Unlock()
		return fmt.Errorf("engine already initialized")
	}
	e.state = stateRunning
	e.lifeMu.Unlock()

	e.mu.Lock()
	if err := e.snap.Load(); err != nil {
		e.logger.Warn("Snapshot reset while loading", zap.Error(fmt.Errorf("%w: %w", ErrLocalPersistence, err)))
	}
	if err := e.queue.Load(); err != nil {
		e.logger.Warn("Queue reset while loading", zap.Error(fmt.Errorf("%w: %w", ErrLocalPersistence, err)))
	}
	e.loadLastSyncAt()
	e.mu.Unlock()

	e.monitor.Start(ctx)
	online := e.monitor.Online()
	e.logger.Info("Engine initialized",
		zap.Int("pending", e.queue.Len()),
		zap.Bool("online", online),
		zap.Bool("remote", e.remote != nil))

	if online {
		e.publish(status.KindOnline, "")
		if !e.opts.SkipInitialSync {
			if done, ok := e.track(); ok {
				e.syncNow(ctx)
				done()
			}
		}
	} else {
		e.publish(status.KindOffline, "")
	}

	if e.cron != nil {
		e.cron.Start()
	}

	e.publish(status.KindReady, "")
	return nil
}

// Shutdown stops timers, probing and scheduled resyncs, waits for an
// in-flight pass until ctx is done, then persists the queue.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.lifeMu.Lock()
	if e.state == stateClosed {
		e.lifeMu.Unlock()
		return nil
	}
	e.state = stateClosed
	e.lifeMu.Unlock()

	e.logger.Info("Shutting down engine")

	e.timerMu.Lock()
	stopTimer(e.debounce)
	stopTimer(e.retry)
	e.timerMu.Unlock()

	if e.cron != nil {
		<-e.cron.Stop().Done()
	}
	e.monitor.Stop()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.logger.Warn("Shutdown deadline reached, cancelling in-flight sync")
		e.cancel()
		<-done
	}
	e.cancel()

	e.mu.Lock()
	err := e.queue.Save()
	e.mu.Unlock()

	e.status.Close()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLocalPersistence, err)
	}
	return nil
}

// Write stores doc under collection/key, replacing any previous document,
// and queues it for delivery. It never touches the network.
//
// A returned ErrLocalPersistence means the write is visible and queued but
// may not survive a restart.
func (e *Engine) Write(c schema.Collection, key string, doc schema.Document, message string) error {
	if err := c.ValidateKey(key); err != nil {
		return err
	}
	parsed, err := schema.ParseDocument(doc)
	if err != nil {
		return err
	}
	if parsed.IsNull() {
		return fmt.Errorf("%w: document is required", ErrInvalid)
	}

	return e.commit(schema.NewChange(schema.OpSet, c, key, parsed, message), func() error {
		e.snap.Put(c, key, parsed)
		return nil
	})
}

// Patch applies patch as a shallow update of the document at
// collection/key and queues the patch for delivery.
func (e *Engine) Patch(c schema.Collection, key string, patch schema.Document, message string) error {
	if err := c.ValidateKey(key); err != nil {
		return err
	}
	parsed, err := schema.ParseDocument(patch)
	if err != nil {
		return err
	}

	return e.commit(schema.NewChange(schema.OpUpdate, c, key, parsed, message), func() error {
		current, _ := e.snap.Read(c, key)
		merged, err := current.Merge(parsed)
		if err != nil {
			return err
		}
		e.snap.Put(c, key, merged)
		return nil
	})
}

// Delete removes the document at collection/key and queues the deletion.
func (e *Engine) Delete(c schema.Collection, key string, message string) error {
	if err := c.ValidateKey(key); err != nil {
		return err
	}

	return e.commit(schema.NewChange(schema.OpDelete, c, key, nil, message), func() error {
		e.snap.Remove(c, key)
		return nil
	})
}

// commit applies a local mutation, enqueues change and persists both in one
// durable batch, then schedules a debounced drain.
func (e *Engine) commit(change *schema.PendingChange, apply func() error) error {
	if !e.running() {
		return ErrNotRunning
	}

	e.mu.Lock()
	if err := apply(); err != nil {
		e.mu.Unlock()
		return err
	}
	if err := e.queue.Append(change); err != nil {
		e.mu.Unlock()
		return err
	}
	persistErr := e.persist(change.Collection)
	pending := e.queue.Len()
	e.mu.Unlock()

	e.logger.Debug("Change queued",
		zap.String("op", string(change.Op)),
		zap.String("path", change.Path()),
		zap.Int("pending", pending))

	e.scheduleDrain(e.opts.Debounce)

	if persistErr != nil {
		e.logger.Error("Failed to persist change", zap.String("path", change.Path()), zap.Error(persistErr))
		return fmt.Errorf("%w: %w", ErrLocalPersistence, persistErr)
	}
	return nil
}

// persist writes the snapshot of c and the queue in one batch. Caller holds mu.
func (e *Engine) persist(c schema.Collection) error {
	snapKey, snapValue, err := e.snap.Encode(c)
	if err != nil {
		return err
	}
	queueKey, queueValue, err := e.queue.Encode()
	if err != nil {
		return err
	}
	return e.kv.SetMany(map[string]string{
		snapKey:  snapValue,
		queueKey: queueValue,
	})
}

// Read returns a copy of one document from the local snapshot.
func (e *Engine) Read(c schema.Collection, key string) (schema.Document, bool) {
	return e.snap.Read(c, key)
}

// List returns a copy of every document in a collection.
func (e *Engine) List(c schema.Collection) map[string]schema.Document {
	return e.snap.List(c)
}

// Keys returns the sorted document keys of a collection.
func (e *Engine) Keys(c schema.Collection) []string {
	return e.snap.Keys(c)
}

// Stats returns the current sync state.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	last := e.lastSyncAt
	e.mu.Unlock()

	s := Stats{
		PendingChanges: e.queue.Len(),
		Failed:         e.queue.FailedCount(),
		Online:         e.monitor.Online(),
		IsSyncing:      e.draining.Load(),
		Subscribers:    e.status.Subscribers(),
		DroppedEvents:  e.status.Dropped(),
	}
	if !last.IsZero() {
		s.LastSyncAt = &last
	}
	return s
}

// Subscribe returns a channel of status events and a func to unsubscribe.
func (e *Engine) Subscribe(buffer int) (<-chan status.Event, func()) {
	return e.status.Subscribe(buffer)
}

// Queue returns a copy of every pending change in delivery order.
func (e *Engine) Queue() []*schema.PendingChange {
	return e.queue.PeekAll()
}

// RetryFailed resets failed changes (all of them when ids is empty) so the
// next drain attempts them again.
func (e *Engine) RetryFailed(ids ...string) (int, error) {
	e.mu.Lock()
	n, err := e.queue.Retry(ids...)
	e.mu.Unlock()
	if err != nil {
		return n, fmt.Errorf("%w: %w", ErrLocalPersistence, err)
	}
	if n > 0 {
		e.scheduleDrain(e.opts.Debounce)
	}
	return n, nil
}

// ClearChanges drops queued changes without delivering them: the given ids,
// or every change when ids is empty. The local snapshot is left as is.
func (e *Engine) ClearChanges(ids ...string) (int, error) {
	e.mu.Lock()
	var (
		n   int
		err error
	)
	if len(ids) == 0 {
		n, err = e.queue.ClearAll()
	} else {
		n, err = e.queue.Clear(ids...)
	}
	e.mu.Unlock()
	if err != nil {
		return n, fmt.Errorf("%w: %w", ErrLocalPersistence, err)
	}
	return n, nil
}

// ClearFailed drops every failed change.
func (e *Engine) ClearFailed() (int, error) {
	e.mu.Lock()
	n, err := e.queue.ClearFailed()
	e.mu.Unlock()
	if err != nil {
		return n, fmt.Errorf("%w: %w", ErrLocalPersistence, err)
	}
	return n, nil
}

// SetOnline records a host connectivity signal.
func (e *Engine) SetOnline(online bool) {
	e.monitor.SetOnline(online)
}

// Online reports whether the remote store is considered reachable.
func (e *Engine) Online() bool {
	return e.monitor.Online()
}

func (e *Engine) publish(kind status.Kind, errMsg string) {
	e.status.Publish(status.Event{
		Kind:           kind,
		PendingChanges: e.queue.Len(),
		Online:         e.monitor.Online(),
		Error:          errMsg,
	})
}

func (e *Engine) running() bool {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	return e.state == stateRunning
}

// track registers work that Shutdown must wait for. ok is false once the
// engine is not running.
func (e *Engine) track() (done func(), ok bool) {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.state != stateRunning {
		return nil, false
	}
	e.wg.Add(1)
	return e.wg.Done, true
}

// spawn runs fn in a tracked goroutine with the engine context.
func (e *Engine) spawn(fn func(ctx context.Context)) bool {
	done, ok := e.track()
	if !ok {
		return false
	}
	go func() {
		defer done()
		fn(e.ctx)
	}()
	return true
}

// loadLastSyncAt restores the last clean sync time. Caller holds mu.
func (e *Engine) loadLastSyncAt() {
	raw, ok, err := e.kv.Get(store.LastSyncAtKey)
	if err != nil {
		e.logger.Warn("Failed to read last sync time", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		e.logger.Warn("Clearing corrupt last sync time", zap.String("value", raw))
		if err := e.kv.Delete(store.LastSyncAtKey); err != nil {
			e.logger.Error("Failed to clear last sync time", zap.Error(err))
		}
		return
	}
	e.lastSyncAt = t
}

// markSynced records a clean sync. Caller holds mu.
func (e *Engine) markSynced(at time.Time) {
	e.lastSyncAt = at.UTC()
	if err := e.kv.Set(store.LastSyncAtKey, e.lastSyncAt.Format(time.RFC3339Nano)); err != nil {
		e.logger.Warn("Failed to persist last sync time", zap.Error(err))
	}
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// errorMessage returns err's text or a fallback.
func errorMessage(err error, fallback string) string {
	if err == nil {
		return fallback
	}
	if errors.Is(err, context.Canceled) {
		return "sync cancelled"
	}
	return err.Error()
}
