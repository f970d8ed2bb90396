// Package inbox imports JSON files dropped into a directory tree.
//
// Layout under the inbox root:
//
//	reports/{date}.json
//	inventory/products.json
//	inventory/purchases/{date}.json
//	inventory/services/{date}.json
//	employees/{id}.json
//
// Each file is written through the sync engine like any local edit. Bursts
// of events for one file are debounced so half-written files are read once
// the writer is done.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mschirtzinger/shopsync/internal/schema"
)

// errGone means the file was removed before it settled.
var errGone = errors.New("file removed before import")

// Writer receives imported documents.
type Writer interface {
	Write(c schema.Collection, key string, doc schema.Document, message string) error
}

// Config holds inbox settings.
type Config struct {
	// Dir is the inbox root. Missing subdirectories are created.
	Dir string

	// Debounce is how long a file must stay quiet before it is imported
	Debounce time.Duration

	// RemoveAfterImport deletes a file once its document is written
	RemoveAfterImport bool

	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Debounce: 200 * time.Millisecond,
	}
}

// Stats counts import outcomes.
type Stats struct {
	Imported int
	Rejected int
}

// Inbox watches Config.Dir and writes every dropped document.
type Inbox struct {
	cfg     Config
	writer  Writer
	watcher *FileWatcher
	logger  *zap.Logger

	changeQueue   map[string]queued
	changeQueueMu sync.Mutex

	statsMu sync.Mutex
	stats   Stats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type queued struct {
	drop Drop
	at   time.Time
}

// New creates an inbox. Use Start to begin importing.
func New(w Writer, config *Config) (*Inbox, error) {
	if w == nil {
		return nil, fmt.Errorf("writer cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Dir == "" {
		return nil, fmt.Errorf("inbox dir cannot be empty")
	}
	cfg := *config
	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve inbox dir: %w", err)
	}
	cfg.Dir = dir
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultConfig().Debounce
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Inbox{
		cfg:         cfg,
		writer:      w,
		logger:      logger.Named("inbox"),
		changeQueue: make(map[string]queued),
	}, nil
}

// Start creates the directory layout, queues files already present and
// begins watching for new ones.
func (in *Inbox) Start(ctx context.Context) error {
	for _, dir := range watchedDirs {
		if err := os.MkdirAll(filepath.Join(in.cfg.Dir, filepath.FromSlash(dir)), 0o755); err != nil {
			return fmt.Errorf("failed to create inbox directory: %w", err)
		}
	}

	watcher, err := NewFileWatcher(in.cfg.Dir)
	if err != nil {
		return err
	}
	if err := watcher.Start(); err != nil {
		_ = watcher.Stop()
		return err
	}
	in.watcher = watcher
	in.ctx, in.cancel = context.WithCancel(ctx)

	if err := in.queueExisting(); err != nil {
		in.logger.Warn("Failed to scan inbox", zap.Error(err))
	}

	in.wg.Add(2)
	go in.watchDrops()
	go in.processChangeQueue()

	in.logger.Info("Watching inbox", zap.String("dir", in.cfg.Dir))
	return nil
}

// Stop stops watching. Files still inside their debounce window stay on
// disk and are picked up by the next Start.
func (in *Inbox) Stop() error {
	if in.cancel == nil {
		return nil
	}
	in.cancel()
	err := in.watcher.Stop()
	in.wg.Wait()
	return err
}

// Stats returns import counters.
func (in *Inbox) Stats() Stats {
	in.statsMu.Lock()
	defer in.statsMu.Unlock()
	return in.stats
}

func (in *Inbox) queueExisting() error {
	return filepath.WalkDir(in.cfg.Dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if drop, ok := Route(in.cfg.Dir, p); ok {
			in.queueChange(drop)
		}
		return nil
	})
}

func (in *Inbox) watchDrops() {
	defer in.wg.Done()

	drops := in.watcher.Drops()
	errs := in.watcher.Errors()
	for {
		select {
		case <-in.ctx.Done():
			return

		case drop, ok := <-drops:
			if !ok {
				return
			}
			in.logger.Debug("File event", zap.String("path", drop.Path))
			in.queueChange(drop)

		case err, ok := <-errs:
			if !ok {
				return
			}
			in.logger.Warn("Watcher error", zap.Error(err))
		}
	}
}

func (in *Inbox) queueChange(drop Drop) {
	in.changeQueueMu.Lock()
	defer in.changeQueueMu.Unlock()

	in.changeQueue[drop.Path] = queued{drop: drop, at: time.Now()}
}

func (in *Inbox) processChangeQueue() {
	defer in.wg.Done()

	ticker := time.NewTicker(in.cfg.Debounce)
	defer ticker.Stop()

	for {
		select {
		case <-in.ctx.Done():
			return

		case <-ticker.C:
			in.processPendingChanges()
		}
	}
}

// processPendingChanges imports files that have been quiet for long enough.
func (in *Inbox) processPendingChanges() {
	in.changeQueueMu.Lock()
	now := time.Now()
	var ready []Drop
	for p, q := range in.changeQueue {
		if now.Sub(q.at) < in.cfg.Debounce {
			continue
		}
		ready = append(ready, q.drop)
		delete(in.changeQueue, p)
	}
	in.changeQueueMu.Unlock()

	for _, drop := range ready {
		err := in.importFile(drop)
		if errors.Is(err, errGone) {
			continue
		}
		if err != nil {
			in.count(false)
			in.logger.Warn("Skipping inbox file", zap.String("path", drop.Path), zap.Error(err))
			continue
		}
		in.count(true)
	}
}

func (in *Inbox) importFile(drop Drop) error {
	data, err := os.ReadFile(drop.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return errGone
	}
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	doc, err := schema.ParseDocument(data)
	if err != nil {
		return err
	}

	rel, _ := filepath.Rel(in.cfg.Dir, drop.Path)
	message := "inbox import " + filepath.ToSlash(rel)
	if err := in.writer.Write(drop.Collection, drop.Key, doc, message); err != nil {
		return fmt.Errorf("failed to write %s: %w", schema.Path(drop.Collection, drop.Key), err)
	}
	in.logger.Info("Imported", zap.String("path", schema.Path(drop.Collection, drop.Key)))

	if in.cfg.RemoveAfterImport {
		if err := os.Remove(drop.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			in.logger.Warn("Failed to remove imported file", zap.String("file", drop.Path), zap.Error(err))
		}
	}
	return nil
}

func (in *Inbox) count(ok bool) {
	in.statsMu.Lock()
	defer in.statsMu.Unlock()
	if ok {
		in.stats.Imported++
	} else {
		in.stats.Rejected++
	}
}
