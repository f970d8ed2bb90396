package engine_test

import (
	"context"
	"fmt"
	"time"

	"github.com/mschirtzinger/shopsync/internal/engine"
	"github.com/mschirtzinger/shopsync/internal/remote"
	"github.com/mschirtzinger/shopsync/internal/schema"
	"github.com/mschirtzinger/shopsync/internal/store"
)

// Example shows a write being served locally at once and delivered on sync.
func Example() {
	ctx := context.Background()
	rs := remote.NewMemory()

	opts := engine.DefaultOptions()
	opts.Store = store.NewMemory()
	opts.Remote = rs
	opts.Debounce = time.Hour
	opts.RateLimit = 0

	eng, err := engine.New(opts)
	if err != nil {
		fmt.Println("new:", err)
		return
	}
	if err := eng.Init(ctx); err != nil {
		fmt.Println("init:", err)
		return
	}
	defer eng.Shutdown(ctx)

	_ = eng.Write(schema.Reports, "2024-03-01", schema.Document(`{"total": 120}`), "close day")

	doc, _ := eng.Read(schema.Reports, "2024-03-01")
	fmt.Println(doc)
	fmt.Println("pending:", eng.Stats().PendingChanges)

	if err := eng.ForceSync(ctx); err != nil {
		fmt.Println("sync:", err)
		return
	}
	fmt.Println("pending:", eng.Stats().PendingChanges)

	delivered, _ := rs.Get(ctx, "reports/2024-03-01")
	fmt.Println(delivered)

	// Output:
	// {"total":120}
	// pending: 1
	// pending: 0
	// {"total":120}
}

// ExampleEngine_Subscribe shows status events for an engine without a
// remote store.
func ExampleEngine_Subscribe() {
	opts := engine.DefaultOptions()
	opts.Store = store.NewMemory()

	eng, _ := engine.New(opts)
	events, unsubscribe := eng.Subscribe(8)
	defer unsubscribe()

	_ = eng.Init(context.Background())
	defer eng.Shutdown(context.Background())

	for i := 0; i < 2; i++ {
		ev := <-events
		fmt.Println(ev.Kind, ev.Online)
	}

	// Output:
	// offline false
	// ready false
}
