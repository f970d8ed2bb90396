package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mschirtzinger/shopsync/internal/schema"
	"github.com/mschirtzinger/shopsync/internal/status"
)

// Pull fetches every collection from the remote store and replaces the local
// copy of each one that was fetched. Local documents missing remotely are
// dropped. Changes still queued for a collection are then re-applied on top
// in queue order, so local writes awaiting delivery stay visible.
//
// Pull does not coordinate with a concurrent drain: a document delivered
// after its collection was fetched but before it is applied briefly reverts
// until the next pull. Last writer wins per document.
func (e *Engine) Pull(ctx context.Context) error {
	if e.remote == nil {
		return fmt.Errorf("%w: no remote configured", ErrRemoteUnavailable)
	}
	if !e.monitor.Online() {
		return fmt.Errorf("%w: offline", ErrRemoteUnavailable)
	}

	start := time.Now()
	collections := schema.Collections
	docs := make([]map[string]schema.Document, len(collections))
	errs := make([]error, len(collections))

	var g errgroup.Group
	for i, c := range collections {
		g.Go(func() error {
			docs[i], errs[i] = e.remote.List(ctx, c)
			return nil
		})
	}
	_ = g.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()

	batch := make(map[string]string)
	var failed []error
	for i, c := range collections {
		if errs[i] != nil {
			failed = append(failed, fmt.Errorf("failed to pull %s: %w", c, errs[i]))
			continue
		}
		e.snap.Replace(c, docs[i])
		overlaid := e.overlay(c)

		key, value, err := e.snap.Encode(c)
		if err != nil {
			failed = append(failed, err)
			continue
		}
		batch[key] = value

		e.logger.Debug("Collection pulled",
			zap.String("collection", string(c)),
			zap.Int("documents", len(docs[i])),
			zap.Int("overlaid", overlaid))
	}

	if len(batch) > 0 {
		if err := e.kv.SetMany(batch); err != nil {
			e.logger.Error("Failed to persist pulled collections", zap.Error(err))
			failed = append(failed, fmt.Errorf("%w: %w", ErrLocalPersistence, err))
		}
	}

	if len(failed) > 0 {
		err := errors.Join(failed...)
		e.publish(status.KindError, err.Error())
		return err
	}

	e.markSynced(time.Now())
	e.logger.Info("Pull complete", zap.Duration("took", time.Since(start)))
	return nil
}

// overlay re-applies non-failed queued changes for c to the snapshot in
// queue order and returns how many were applied. Caller holds mu.
func (e *Engine) overlay(c schema.Collection) int {
	n := 0
	for _, change := range e.queue.Pending(c) {
		switch change.Op {
		case schema.OpSet:
			e.snap.Put(c, change.Key, change.Document)
		case schema.OpUpdate:
			current, _ := e.snap.Read(c, change.Key)
			merged, err := current.Merge(change.Document)
			if err != nil {
				e.logger.Warn("Skipping unmergeable queued patch",
					zap.String("id", change.ID), zap.Error(err))
				continue
			}
			e.snap.Put(c, change.Key, merged)
		case schema.OpDelete:
			e.snap.Remove(c, change.Key)
		}
		n++
	}
	return n
}
