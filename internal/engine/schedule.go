package engine

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// newResync builds the cron scheduler that periodically pulls and drains
// while online. Runs that find the engine offline do nothing.
func newResync(spec string, e *Engine) (*cron.Cron, error) {
	logger := e.logger.Named("resync")
	c := cron.New(
		cron.WithLogger(cron.PrintfLogger(zap.NewStdLog(logger))),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)

	_, err := c.AddFunc(spec, func() {
		if !e.monitor.Online() {
			logger.Debug("Skipping scheduled resync while offline")
			return
		}
		logger.Debug("Scheduled resync")
		done, ok := e.track()
		if !ok {
			return
		}
		defer done()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		stop := context.AfterFunc(e.ctx, cancel)
		defer stop()

		e.syncNow(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("invalid resync schedule %q: %w", spec, err)
	}
	return c, nil
}
