// Package loadtest drives the sync engine with concurrent writers against an
// in-process remote and reports write latency and drain throughput.
//
// Writers model several terminals in a shop recording at once: each performs
// a fixed number of full-document writes to distinct employee records while
// the engine delivers the queue in the background. The run ends once every
// change has reached the remote.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mschirtzinger/shopsync/internal/engine"
	"github.com/mschirtzinger/shopsync/internal/remote"
	"github.com/mschirtzinger/shopsync/internal/schema"
	"github.com/mschirtzinger/shopsync/internal/store"
)

// Config controls a load run.
type Config struct {
	Writers         int
	WritesPerWriter int

	// Latency is added to every remote write.
	Latency time.Duration

	// RateLimit is passed through to the engine.
	RateLimit time.Duration

	// DBPath selects a SQLite store. Empty uses an in-memory store.
	DBPath string

	// DrainTimeout bounds the wait for the queue to empty.
	DrainTimeout time.Duration

	Logger *zap.Logger
}

// DefaultConfig returns a small run suitable for a quick check.
func DefaultConfig() *Config {
	return &Config{
		Writers:         10,
		WritesPerWriter: 20,
		Latency:         2 * time.Millisecond,
		DrainTimeout:    time.Minute,
	}
}

// LatencyStats summarizes a set of durations.
type LatencyStats struct {
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
	Count int
}

// Report is the outcome of a run.
type Report struct {
	Writes    LatencyStats
	Errors    int
	Delivered int
	Pending   int
	DrainTime time.Duration
	Elapsed   time.Duration
}

// Throughput is delivered changes per second over the whole run.
func (r *Report) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Delivered) / r.Elapsed.Seconds()
}

// Print writes a human-readable summary to w.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "Write latency (%d writes, %d errors):\n", r.Writes.Count, r.Errors)
	fmt.Fprintf(w, "  Min:   %v\n", r.Writes.Min)
	fmt.Fprintf(w, "  P50:   %v\n", r.Writes.P50)
	fmt.Fprintf(w, "  Mean:  %v\n", r.Writes.Mean)
	fmt.Fprintf(w, "  P95:   %v\n", r.Writes.P95)
	fmt.Fprintf(w, "  P99:   %v\n", r.Writes.P99)
	fmt.Fprintf(w, "  Max:   %v\n", r.Writes.Max)
	fmt.Fprintf(w, "Delivered %d change(s), %d pending, drain %v, total %v (%.1f/s)\n",
		r.Delivered, r.Pending, r.DrainTime.Round(time.Millisecond), r.Elapsed.Round(time.Millisecond), r.Throughput())
}

// Run performs one load run. It returns an error when the engine cannot be
// started or the queue does not drain within cfg.DrainTimeout; individual
// write failures are counted in the report.
func Run(ctx context.Context, cfg *Config) (*Report, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Writers <= 0 || cfg.WritesPerWriter <= 0 {
		return nil, fmt.Errorf("writers and writes per writer must be positive")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("loadtest")

	var kv store.KV = store.NewMemory()
	if cfg.DBPath != "" {
		db, err := store.Open(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		defer db.Close()
		kv = db
	}

	rem := remote.NewMemory()
	rem.SetLatency(cfg.Latency)

	opts := engine.DefaultOptions()
	opts.Store = kv
	opts.Remote = rem
	opts.Logger = logger
	opts.Debounce = 0
	opts.SettleDelay = 0
	opts.ProbeInterval = 0
	opts.RetryBackoff = 0
	opts.RateLimit = cfg.RateLimit

	eng, err := engine.New(opts)
	if err != nil {
		return nil, err
	}
	if err := eng.Init(ctx); err != nil {
		return nil, err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := eng.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Engine shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("Load run started",
		zap.Int("writers", cfg.Writers),
		zap.Int("writes_per_writer", cfg.WritesPerWriter),
		zap.Duration("latency", cfg.Latency))

	start := time.Now()
	durations, errCount := runWriters(ctx, eng, cfg)
	written := time.Now()

	drainErr := waitDrained(ctx, eng, cfg.DrainTimeout)
	end := time.Now()

	report := &Report{
		Writes:    computeLatencyStats(durations),
		Errors:    errCount,
		Delivered: rem.Writes(),
		Pending:   eng.Stats().PendingChanges,
		DrainTime: end.Sub(written),
		Elapsed:   end.Sub(start),
	}
	logger.Info("Load run finished",
		zap.Int("delivered", report.Delivered),
		zap.Int("errors", report.Errors),
		zap.Duration("elapsed", report.Elapsed))
	return report, drainErr
}

// runWriters launches the writers and collects every write duration.
func runWriters(ctx context.Context, eng *engine.Engine, cfg *Config) ([]time.Duration, int) {
	var (
		mu        sync.Mutex
		durations = make([]time.Duration, 0, cfg.Writers*cfg.WritesPerWriter)
		errCount  int
	)

	g, ctx := errgroup.WithContext(ctx)
	for w := range cfg.Writers {
		g.Go(func() error {
			local := make([]time.Duration, 0, cfg.WritesPerWriter)
			failed := 0
			for i := range cfg.WritesPerWriter {
				if ctx.Err() != nil {
					break
				}
				key := fmt.Sprintf("load-%03d-%04d", w, i)
				doc := schema.Document(fmt.Sprintf(`{"writer":%d,"seq":%d,"name":"Load %d"}`, w, i, i))

				t0 := time.Now()
				err := eng.Write(schema.Employees, key, doc, "load test")
				local = append(local, time.Since(t0))
				if err != nil && !errors.Is(err, engine.ErrLocalPersistence) {
					failed++
				}
			}
			mu.Lock()
			durations = append(durations, local...)
			errCount += failed
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return durations, errCount
}

// waitDrained nudges the engine until the queue is empty.
func waitDrained(ctx context.Context, eng *engine.Engine, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if !eng.Stats().HasPendingChanges() {
			return nil
		}
		if err := eng.ForceSync(ctx); err != nil && !errors.Is(err, ctx.Err()) {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("queue not drained: %d change(s) pending: %w", eng.Stats().PendingChanges, ctx.Err())
		case <-ticker.C:
		}
	}
}

func computeLatencyStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}
	sorted := slices.Clone(durations)
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(sorted)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Count: len(sorted),
	}
}
