// Package engine implements the local-first sync engine.
//
// Every write lands in the local snapshot and the pending-change queue in one
// durable batch before the call returns, so it is readable immediately and
// survives a restart. A background worker delivers queued changes to the
// remote store whenever it is reachable.
//
// # Lifecycle
//
//	eng, err := engine.New(engine.Options{Store: kv, Remote: rs})
//	if err != nil {
//	    return err
//	}
//	if err := eng.Init(ctx); err != nil {
//	    return err
//	}
//	defer eng.Shutdown(context.Background())
//
// # Delivery
//
// A drain pass walks a copy of the queue in order and skips changes marked
// failed. A delivered change is removed; a failed one keeps its place with an
// incremented attempt count and is marked failed after MaxAttempts. Passes are
// single-flight: a trigger that arrives while a pass runs is dropped, and one
// debounced trigger is scheduled after the pass so nothing enqueued meanwhile
// is stranded.
//
// Passes are triggered by writes (debounced), by the connection settling
// after coming back online (after a pull), by ForceSync, by retry timers and
// by an optional cron schedule.
//
// # Reconciliation
//
// Pull replaces each local collection with the remote one and re-applies the
// changes still queued for it. There is no field-level merge and no conflict
// detection: the last writer wins per document.
package engine
