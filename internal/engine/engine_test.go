package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/mschirtzinger/shopsync/internal/remote"
	"github.com/mschirtzinger/shopsync/internal/schema"
	"github.com/mschirtzinger/shopsync/internal/snapshot"
	"github.com/mschirtzinger/shopsync/internal/status"
	"github.com/mschirtzinger/shopsync/internal/store"
)

// testOptions returns options with timers that never fire on their own
// unless a test shortens them.
func testOptions(kv store.KV, rs remote.Store) Options {
	opts := DefaultOptions()
	opts.Store = kv
	opts.Remote = rs
	opts.Debounce = time.Hour
	opts.RateLimit = 0
	opts.SettleDelay = 10 * time.Millisecond
	opts.ProbeInterval = 0
	opts.ProbeTimeout = time.Second
	opts.RetryBackoff = 0
	return opts
}

func startEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	eng, err := New(opts)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := eng.Init(context.Background()); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})
	return eng
}

// offlineRemote returns a remote that fails until Fail(nil).
func offlineRemote() *remote.Memory {
	rs := remote.NewMemory()
	rs.Fail(remote.ErrUnavailable)
	return rs
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWrite_DurableAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shopsync.db")
	kv, err := store.Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	eng, err := New(testOptions(kv, nil))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := eng.Init(context.Background()); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	doc := schema.Document(`{"total":42}`)
	if err := eng.Write(schema.Reports, "2024-03-01", doc, "close day"); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	if err := eng.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() failed: %v", err)
	}
	if err := kv.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	reopened, err := store.Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	restarted := startEngine(t, testOptions(reopened, nil))
	got, ok := restarted.Read(schema.Reports, "2024-03-01")
	if !ok || !got.Equal(doc) {
		t.Errorf("Read() after restart = %s, %v; want %s", got, ok, doc)
	}
	if n := restarted.Stats().PendingChanges; n != 1 {
		t.Errorf("PendingChanges after restart = %d, want 1", n)
	}
}

func TestWrite_EnqueuesExactlyOne(t *testing.T) {
	eng := startEngine(t, testOptions(store.NewMemory(), nil))

	for i := 1; i <= 3; i++ {
		if err := eng.Write(schema.Employees, "emp-1", schema.Document(`{"name":"Ana"}`), ""); err != nil {
			t.Fatalf("Write() failed: %v", err)
		}
		if n := len(eng.Queue()); n != i {
			t.Fatalf("queue length after %d writes = %d", i, n)
		}
	}

	q := eng.Queue()
	if q[0].ID == q[1].ID || q[1].ID == q[2].ID {
		t.Error("queued changes share ids")
	}
}

func TestWrite_InvalidInput(t *testing.T) {
	eng := startEngine(t, testOptions(store.NewMemory(), nil))

	tests := []struct {
		name string
		c    schema.Collection
		key  string
		doc  schema.Document
	}{
		{"unknown collection", schema.Collection("customers"), "c-1", schema.Document(`{}`)},
		{"report key not a date", schema.Reports, "march", schema.Document(`{}`)},
		{"empty key", schema.Employees, "", schema.Document(`{}`)},
		{"bad inventory key", schema.Inventory, "widgets", schema.Document(`{}`)},
		{"malformed json", schema.Reports, "2024-03-01", schema.Document(`{"total":`)},
		{"null document", schema.Reports, "2024-03-01", schema.Document(`null`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := eng.Write(tt.c, tt.key, tt.doc, ""); !errors.Is(err, ErrInvalid) {
				t.Errorf("Write() error = %v, want ErrInvalid", err)
			}
		})
	}
	if n := len(eng.Queue()); n != 0 {
		t.Errorf("invalid writes were queued: %d", n)
	}
}

func TestWrite_PersistenceFailureStillQueues(t *testing.T) {
	kv := store.NewMemory()
	eng := startEngine(t, testOptions(kv, nil))
	kv.FailWrites(errors.New("disk full"))

	err := eng.Write(schema.Reports, "2024-03-01", schema.Document(`{"total":1}`), "")
	if !errors.Is(err, ErrLocalPersistence) {
		t.Fatalf("Write() error = %v, want ErrLocalPersistence", err)
	}
	if _, ok := eng.Read(schema.Reports, "2024-03-01"); !ok {
		t.Error("write not visible after persistence failure")
	}
	if n := len(eng.Queue()); n != 1 {
		t.Errorf("queue length = %d, want 1", n)
	}
	kv.FailWrites(nil)
}

func TestWrite_NotRunning(t *testing.T) {
	eng, err := New(testOptions(store.NewMemory(), nil))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := eng.Write(schema.Employees, "emp-1", schema.Document(`{}`), ""); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Write() before Init error = %v, want ErrNotRunning", err)
	}

	if err := eng.Init(context.Background()); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	if err := eng.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() failed: %v", err)
	}
	if err := eng.Write(schema.Employees, "emp-1", schema.Document(`{}`), ""); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Write() after Shutdown error = %v, want ErrNotRunning", err)
	}
	if err := eng.ForceSync(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("ForceSync() after Shutdown error = %v, want ErrNotRunning", err)
	}
}

func TestWrite_OfflineNeverTouchesRemote(t *testing.T) {
	rs := offlineRemote()
	opts := testOptions(store.NewMemory(), rs)
	opts.Debounce = 5 * time.Millisecond
	eng := startEngine(t, opts)

	if eng.Online() {
		t.Fatal("engine online with unreachable remote")
	}
	if err := eng.Write(schema.Reports, "2024-03-01", schema.Document(`{"total":1}`), ""); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	if err := eng.ForceSync(context.Background()); err != nil {
		t.Errorf("ForceSync() offline error = %v, want nil", err)
	}
	time.Sleep(30 * time.Millisecond)

	if n := rs.Writes(); n != 0 {
		t.Errorf("remote received %d writes while offline", n)
	}
	if n := eng.Stats().PendingChanges; n != 1 {
		t.Errorf("PendingChanges = %d, want 1", n)
	}
}

func TestForceSync_SingleFlight(t *testing.T) {
	rs := remote.NewMemory()
	eng := startEngine(t, testOptions(store.NewMemory(), rs))

	for _, key := range []string{"2024-03-01", "2024-03-02"} {
		if err := eng.Write(schema.Reports, key, schema.Document(`{"total":1}`), ""); err != nil {
			t.Fatalf("Write() failed: %v", err)
		}
	}

	entered, release := rs.Block()
	defer release()

	first := make(chan error, 1)
	go func() { first <- eng.ForceSync(context.Background()) }()

	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatal("first pass never reached the remote")
	}
	if !eng.Stats().IsSyncing {
		t.Error("IsSyncing = false during a pass")
	}

	second := make(chan error, 1)
	go func() { second <- eng.ForceSync(context.Background()) }()
	select {
	case err := <-second:
		if err != nil {
			t.Errorf("dropped ForceSync() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("second ForceSync() blocked while a pass was running")
	}

	release()
	if err := <-first; err != nil {
		t.Fatalf("ForceSync() failed: %v", err)
	}
	if n := rs.Calls("set"); n != 2 {
		t.Errorf("remote set calls = %d, want 2", n)
	}
	if n := eng.Stats().PendingChanges; n != 0 {
		t.Errorf("PendingChanges = %d, want 0", n)
	}
}

func TestForceSync_ConcurrentTriggerDoesNotReattempt(t *testing.T) {
	rs := remote.NewMemory()
	opts := testOptions(store.NewMemory(), rs)
	opts.Debounce = 20 * time.Millisecond
	eng := startEngine(t, opts)
	rs.FailPath("reports/2024-03-01", errors.New("rejected"))

	entered, release := rs.Block()
	defer release()

	if err := eng.Write(schema.Reports, "2024-03-01", schema.Document(`{"total":1}`), ""); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	first := make(chan error, 1)
	go func() { first <- eng.ForceSync(context.Background()) }()

	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatal("pass never reached the remote")
	}
	// Both the debounced trigger and this call arrive mid-pass
	if err := eng.ForceSync(context.Background()); err != nil {
		t.Errorf("concurrent ForceSync() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	release()
	<-first
	waitFor(t, "pass to finish", func() bool { return !eng.Stats().IsSyncing })
	time.Sleep(300 * time.Millisecond)

	if n := rs.Calls("set"); n != 1 {
		t.Errorf("remote set calls = %d, want 1", n)
	}
	q := eng.Queue()
	if len(q) != 1 || q[0].Attempts != 1 {
		t.Errorf("queue = %+v, want one entry with 1 attempt", q)
	}
}

func TestForceSync_WriteDuringPassIsDelivered(t *testing.T) {
	rs := remote.NewMemory()
	opts := testOptions(store.NewMemory(), rs)
	opts.Debounce = 10 * time.Millisecond
	eng := startEngine(t, opts)

	entered, release := rs.Block()
	defer release()

	if err := eng.Write(schema.Reports, "2024-03-01", schema.Document(`{"total":1}`), ""); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatal("debounced pass never reached the remote")
	}

	if err := eng.Write(schema.Reports, "2024-03-02", schema.Document(`{"total":2}`), ""); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	// Let the second write's trigger fire while the pass is still blocked
	time.Sleep(50 * time.Millisecond)
	release()

	waitFor(t, "queue to drain", func() bool { return eng.Stats().PendingChanges == 0 })
	if n := rs.Calls("set"); n != 2 {
		t.Errorf("remote set calls = %d, want 2", n)
	}
	if _, err := rs.Get(context.Background(), "reports/2024-03-02"); err != nil {
		t.Errorf("Get(reports/2024-03-02) failed: %v", err)
	}
}

func TestForceSync_RejectedChangeFailsAtOnce(t *testing.T) {
	rs := remote.NewMemory()
	eng := startEngine(t, testOptions(store.NewMemory(), rs))
	rs.FailPath("employees/emp-1", fmt.Errorf("%w: field too long", schema.ErrInvalid))

	if err := eng.Write(schema.Employees, "emp-1", schema.Document(`{"name":"Ana"}`), ""); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	if err := eng.ForceSync(context.Background()); !errors.Is(err, ErrDelivery) {
		t.Fatalf("ForceSync() error = %v, want ErrDelivery", err)
	}

	q := eng.Queue()
	if len(q) != 1 || !q[0].Failed() || q[0].Attempts != 1 {
		t.Fatalf("queue = %+v, want one failed entry after 1 attempt", q)
	}
	if err := eng.ForceSync(context.Background()); err != nil {
		t.Errorf("ForceSync() with only failed changes error = %v", err)
	}
	if n := rs.Calls("set"); n != 1 {
		t.Errorf("remote set calls = %d, want 1", n)
	}
}

func TestForceSync_RateLimitFollowsSuccessOnly(t *testing.T) {
	rs := remote.NewMemory()
	opts := testOptions(store.NewMemory(), rs)
	opts.RateLimit = 150 * time.Millisecond
	eng := startEngine(t, opts)
	rs.FailPath("reports/2024-03-02", errors.New("rejected"))

	for _, key := range []string{"2024-03-01", "2024-03-02", "2024-03-03"} {
		if err := eng.Write(schema.Reports, key, schema.Document(`{"total":1}`), ""); err != nil {
			t.Fatalf("Write() failed: %v", err)
		}
	}

	start := time.Now()
	_ = eng.ForceSync(context.Background())
	elapsed := time.Since(start)

	// One pause after 03-01; none after the failed 03-02
	if elapsed < 150*time.Millisecond || elapsed >= 290*time.Millisecond {
		t.Errorf("pass took %v, want one rate-limit pause", elapsed)
	}
	if n := eng.Stats().PendingChanges; n != 1 {
		t.Errorf("PendingChanges = %d, want 1", n)
	}
}

func TestInit_SkipInitialSync(t *testing.T) {
	kv := store.NewMemory()
	first := startEngine(t, testOptions(kv, nil))
	if err := first.Write(schema.Reports, "2024-03-01", schema.Document(`{"total":1}`), ""); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	if err := first.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() failed: %v", err)
	}

	rs := remote.NewMemory()
	rs.Seed(schema.Reports, "2024-02-29", schema.Document(`{"total":9}`))
	opts := testOptions(kv, rs)
	opts.SkipInitialSync = true
	eng := startEngine(t, opts)

	if !eng.Online() {
		t.Error("Online() = false with a reachable remote")
	}
	if n := eng.Stats().PendingChanges; n != 1 {
		t.Errorf("PendingChanges = %d, want 1", n)
	}
	if rs.Writes() != 0 || rs.Calls("list") != 0 {
		t.Errorf("Init touched the remote: writes=%d lists=%d", rs.Writes(), rs.Calls("list"))
	}
	if _, ok := eng.Read(schema.Reports, "2024-02-29"); ok {
		t.Error("Init pulled with SkipInitialSync set")
	}
}

func TestStats_DroppedEvents(t *testing.T) {
	rs := remote.NewMemory()
	eng := startEngine(t, testOptions(store.NewMemory(), rs))

	_, unsubscribe := eng.Subscribe(1)
	defer unsubscribe()

	if err := eng.Write(schema.Reports, "2024-03-01", schema.Document(`{}`), ""); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	// syncing and success both go to a subscriber that never reads
	if err := eng.ForceSync(context.Background()); err != nil {
		t.Fatalf("ForceSync() failed: %v", err)
	}

	stats := eng.Stats()
	if stats.Subscribers != 1 {
		t.Errorf("Subscribers = %d, want 1", stats.Subscribers)
	}
	if stats.DroppedEvents == 0 {
		t.Error("DroppedEvents = 0, want at least 1")
	}
}

func TestForceSync_RetryCap(t *testing.T) {
	rs := remote.NewMemory()
	eng := startEngine(t, testOptions(store.NewMemory(), rs))
	boom := errors.New("rejected")
	rs.FailPath("reports/2024-03-01", boom)

	if err := eng.Write(schema.Reports, "2024-03-01", schema.Document(`{"total":1}`), ""); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}

	for attempt := 1; attempt <= 3; attempt++ {
		err := eng.ForceSync(context.Background())
		if !errors.Is(err, ErrDelivery) || !errors.Is(err, boom) {
			t.Fatalf("ForceSync() #%d error = %v, want ErrDelivery wrapping cause", attempt, err)
		}
	}

	q := eng.Queue()
	if len(q) != 1 || !q[0].Failed() || q[0].Attempts != 3 {
		t.Fatalf("queue after 3 attempts = %+v", q)
	}
	if q[0].LastError == "" || q[0].LastAttemptAt == nil {
		t.Error("failure details not recorded")
	}

	if err := eng.ForceSync(context.Background()); err != nil {
		t.Errorf("ForceSync() with only failed changes error = %v", err)
	}
	if n := rs.Calls("set"); n != 3 {
		t.Errorf("remote set calls = %d, want 3", n)
	}

	stats := eng.Stats()
	if stats.PendingChanges != 1 || stats.Failed != 1 {
		t.Errorf("Stats() = %+v, want 1 pending and 1 failed", stats)
	}
}

func TestForceSync_FIFOWithSkip(t *testing.T) {
	rs := remote.NewMemory()
	eng := startEngine(t, testOptions(store.NewMemory(), rs))
	rs.FailPath("reports/2024-03-01", errors.New("rejected"))

	for _, key := range []string{"2024-03-01", "2024-03-02", "2024-03-03"} {
		if err := eng.Write(schema.Reports, key, schema.Document(`{"total":1}`), ""); err != nil {
			t.Fatalf("Write() failed: %v", err)
		}
	}

	if err := eng.ForceSync(context.Background()); !errors.Is(err, ErrDelivery) {
		t.Fatalf("ForceSync() error = %v, want ErrDelivery", err)
	}

	q := eng.Queue()
	if len(q) != 1 || q[0].Key != "2024-03-01" || q[0].Attempts != 1 || q[0].Failed() {
		t.Fatalf("queue after pass = %+v", q)
	}
	for _, path := range []string{"reports/2024-03-02", "reports/2024-03-03"} {
		if _, err := rs.Get(context.Background(), path); err != nil {
			t.Errorf("Get(%s) failed: %v", path, err)
		}
	}
}

func TestDeliver_Idempotent(t *testing.T) {
	rs := remote.NewMemory()
	eng := startEngine(t, testOptions(store.NewMemory(), rs))
	change := schema.NewChange(schema.OpSet, schema.Employees, "emp-1", schema.Document(`{"name":"Ana","salary":1200}`), "")

	if err := eng.deliver(context.Background(), change); err != nil {
		t.Fatalf("deliver() failed: %v", err)
	}
	first, _ := rs.Get(context.Background(), "employees/emp-1")
	if err := eng.deliver(context.Background(), change); err != nil {
		t.Fatalf("second deliver() failed: %v", err)
	}
	second, _ := rs.Get(context.Background(), "employees/emp-1")

	if !first.Equal(second) {
		t.Errorf("replayed delivery changed the remote document: %s -> %s", first, second)
	}
}

func TestPatchAndDelete(t *testing.T) {
	ctx := context.Background()
	rs := remote.NewMemory()
	eng := startEngine(t, testOptions(store.NewMemory(), rs))

	if err := eng.Write(schema.Employees, "emp-1", schema.Document(`{"name":"Ana","salary":1200}`), ""); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	if err := eng.Patch(schema.Employees, "emp-1", schema.Document(`{"salary":1500}`), "raise"); err != nil {
		t.Fatalf("Patch() failed: %v", err)
	}
	want := schema.Document(`{"name":"Ana","salary":1500}`)
	if got, _ := eng.Read(schema.Employees, "emp-1"); !got.Equal(want) {
		t.Errorf("Read() after Patch() = %s, want %s", got, want)
	}
	if err := eng.Patch(schema.Employees, "emp-1", schema.Document(`[1]`), ""); !errors.Is(err, ErrInvalid) {
		t.Errorf("Patch() with array error = %v, want ErrInvalid", err)
	}

	if err := eng.ForceSync(ctx); err != nil {
		t.Fatalf("ForceSync() failed: %v", err)
	}
	if got, _ := rs.Get(ctx, "employees/emp-1"); !got.Equal(want) {
		t.Errorf("remote after sync = %s, want %s", got, want)
	}

	if err := eng.Delete(schema.Employees, "emp-1", "left"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, ok := eng.Read(schema.Employees, "emp-1"); ok {
		t.Error("document still readable after Delete()")
	}
	if err := eng.ForceSync(ctx); err != nil {
		t.Fatalf("ForceSync() failed: %v", err)
	}
	if _, err := rs.Get(ctx, "employees/emp-1"); !errors.Is(err, remote.ErrNotFound) {
		t.Errorf("remote Get() after delete error = %v, want ErrNotFound", err)
	}
}

func TestPull_OverwritesLocal(t *testing.T) {
	kv := store.NewMemory()
	if err := kv.Set(store.SnapshotKey(schema.Reports), `{"2024-03-01":{"v":"local"},"2024-03-05":{"v":"stale"}}`); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	rs := remote.NewMemory()
	rs.Seed(schema.Reports, "2024-03-01", schema.Document(`{"v":"remote"}`))
	rs.Seed(schema.Employees, "emp-1", schema.Document(`{"name":"Ana"}`))

	eng := startEngine(t, testOptions(kv, rs))

	reports := eng.List(schema.Reports)
	if len(reports) != 1 || !reports["2024-03-01"].Equal(schema.Document(`{"v":"remote"}`)) {
		t.Errorf("reports after pull = %v", reports)
	}
	if _, ok := eng.Read(schema.Employees, "emp-1"); !ok {
		t.Error("remote employee missing after pull")
	}
	if eng.Stats().LastSyncAt == nil {
		t.Error("LastSyncAt not set after pull")
	}

	mirror := snapshot.New(kv, nil)
	if err := mirror.Load(); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if _, ok := mirror.Read(schema.Reports, "2024-03-05"); ok {
		t.Error("durable mirror still holds a document absent remotely")
	}
}

func TestPull_OverlaysQueuedChanges(t *testing.T) {
	rs := offlineRemote()
	opts := testOptions(store.NewMemory(), rs)
	opts.SettleDelay = time.Hour
	eng := startEngine(t, opts)

	local := schema.Document(`{"v":"local"}`)
	if err := eng.Write(schema.Reports, "2024-03-01", local, ""); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}

	rs.Fail(nil)
	rs.Seed(schema.Reports, "2024-03-01", schema.Document(`{"v":"remote"}`))
	rs.Seed(schema.Reports, "2024-03-02", schema.Document(`{"v":"remote"}`))
	eng.SetOnline(true)

	if err := eng.Pull(context.Background()); err != nil {
		t.Fatalf("Pull() failed: %v", err)
	}

	if got, _ := eng.Read(schema.Reports, "2024-03-01"); !got.Equal(local) {
		t.Errorf("queued local write lost on pull: %s", got)
	}
	if _, ok := eng.Read(schema.Reports, "2024-03-02"); !ok {
		t.Error("remote document missing after pull")
	}
	if n := eng.Stats().PendingChanges; n != 1 {
		t.Errorf("PendingChanges = %d, want 1", n)
	}
}

func TestPull_Offline(t *testing.T) {
	eng := startEngine(t, testOptions(store.NewMemory(), nil))
	if err := eng.Pull(context.Background()); !errors.Is(err, ErrRemoteUnavailable) {
		t.Errorf("Pull() without remote error = %v, want ErrRemoteUnavailable", err)
	}
}

func TestEndToEnd_OfflineWriteThenReconnect(t *testing.T) {
	rs := offlineRemote()
	eng, err := New(testOptions(store.NewMemory(), rs))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	events, unsubscribe := eng.Subscribe(32)
	defer unsubscribe()

	if err := eng.Init(context.Background()); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	defer eng.Shutdown(context.Background())

	if err := eng.Write(schema.Reports, "2024-03-01", schema.Document(`{"total":120}`), ""); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	if n := eng.Stats().PendingChanges; n != 1 {
		t.Fatalf("PendingChanges = %d, want 1", n)
	}

	rs.Fail(nil)
	eng.SetOnline(true)

	var kinds []status.Kind
	timeout := time.After(3 * time.Second)
	for done := false; !done; {
		select {
		case ev := <-events:
			kinds = append(kinds, ev.Kind)
			done = ev.Kind == status.KindSuccess
		case <-timeout:
			t.Fatalf("no success event, got %v", kinds)
		}
	}

	if !inOrder(kinds, status.KindOffline, status.KindSyncing, status.KindSuccess) {
		t.Errorf("events = %v, want offline, syncing, success in order", kinds)
	}

	stats := eng.Stats()
	if stats.PendingChanges != 0 || stats.LastSyncAt == nil {
		t.Errorf("Stats() = %+v, want empty queue and LastSyncAt set", stats)
	}
	if _, err := rs.Get(context.Background(), "reports/2024-03-01"); err != nil {
		t.Errorf("remote Get() failed: %v", err)
	}
}

// inOrder reports whether want appears as a subsequence of got.
func inOrder(got []status.Kind, want ...status.Kind) bool {
	i := 0
	for _, k := range got {
		if i < len(want) && k == want[i] {
			i++
		}
	}
	return i == len(want)
}

func TestInit_CorruptStorageResets(t *testing.T) {
	kv := store.NewMemory()
	_ = kv.SetMany(map[string]string{
		store.SnapshotKey(schema.Reports): `{bad`,
		store.QueueKey:                    `nope`,
		store.LastSyncAtKey:               `garbage`,
	})

	eng := startEngine(t, testOptions(kv, nil))

	stats := eng.Stats()
	if stats.PendingChanges != 0 || stats.LastSyncAt != nil {
		t.Errorf("Stats() = %+v, want empty state", stats)
	}
	for _, key := range []string{store.SnapshotKey(schema.Reports), store.QueueKey, store.LastSyncAtKey} {
		if _, ok, _ := kv.Get(key); ok {
			t.Errorf("corrupt key %s was not cleared", key)
		}
	}
}

func TestRetryBackoff_RetriesUntilFailed(t *testing.T) {
	rs := remote.NewMemory()
	opts := testOptions(store.NewMemory(), rs)
	opts.RetryBackoff = 5 * time.Millisecond
	opts.MaxRetryBackoff = 20 * time.Millisecond
	eng := startEngine(t, opts)
	rs.FailPath("reports/2024-03-01", errors.New("rejected"))

	if err := eng.Write(schema.Reports, "2024-03-01", schema.Document(`{}`), ""); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	_ = eng.ForceSync(context.Background())

	waitFor(t, "change to be marked failed", func() bool { return eng.Stats().Failed == 1 })
	time.Sleep(50 * time.Millisecond)
	if n := rs.Calls("set"); n != 3 {
		t.Errorf("remote set calls = %d, want 3", n)
	}
}

func TestDebouncedWriteDrains(t *testing.T) {
	rs := remote.NewMemory()
	opts := testOptions(store.NewMemory(), rs)
	opts.Debounce = 5 * time.Millisecond
	eng := startEngine(t, opts)

	for _, key := range []string{"emp-1", "emp-2", "emp-3"} {
		if err := eng.Write(schema.Employees, key, schema.Document(`{"name":"x"}`), ""); err != nil {
			t.Fatalf("Write() failed: %v", err)
		}
	}

	waitFor(t, "queue to drain", func() bool { return eng.Stats().PendingChanges == 0 })
	if n := rs.Calls("set"); n != 3 {
		t.Errorf("remote set calls = %d, want 3", n)
	}
}

func TestRetryFailedAndClear(t *testing.T) {
	rs := remote.NewMemory()
	opts := testOptions(store.NewMemory(), rs)
	opts.MaxAttempts = 1
	eng := startEngine(t, opts)
	rs.FailPath("reports/2024-03-01", errors.New("rejected"))

	_ = eng.Write(schema.Reports, "2024-03-01", schema.Document(`{}`), "")
	_ = eng.ForceSync(context.Background())
	if eng.Stats().Failed != 1 {
		t.Fatalf("Failed = %d, want 1", eng.Stats().Failed)
	}

	rs.FailPath("reports/2024-03-01", nil)
	n, err := eng.RetryFailed()
	if err != nil || n != 1 {
		t.Fatalf("RetryFailed() = %d, %v", n, err)
	}
	if err := eng.ForceSync(context.Background()); err != nil {
		t.Fatalf("ForceSync() after retry failed: %v", err)
	}
	if n := eng.Stats().PendingChanges; n != 0 {
		t.Errorf("PendingChanges = %d, want 0", n)
	}

	eng.SetOnline(false)
	_ = eng.Write(schema.Reports, "2024-03-02", schema.Document(`{}`), "")
	_ = eng.Write(schema.Reports, "2024-03-03", schema.Document(`{}`), "")
	first := eng.Queue()[0].ID
	if n, err := eng.ClearChanges(first); err != nil || n != 1 {
		t.Fatalf("ClearChanges(id) = %d, %v", n, err)
	}
	if n, err := eng.ClearChanges(); err != nil || n != 1 {
		t.Fatalf("ClearChanges() = %d, %v", n, err)
	}
	if _, ok := eng.Read(schema.Reports, "2024-03-03"); !ok {
		t.Error("ClearChanges() removed the local document")
	}
}

func TestResyncSchedule(t *testing.T) {
	if _, err := New(Options{Store: store.NewMemory(), ResyncSchedule: "every tuesday"}); err == nil {
		t.Error("New() accepted an invalid schedule")
	}

	rs := remote.NewMemory()
	opts := testOptions(store.NewMemory(), rs)
	opts.ResyncSchedule = "@every 1s"
	eng := startEngine(t, opts)

	rs.Seed(schema.Reports, "2024-03-09", schema.Document(`{"total":7}`))
	waitFor(t, "scheduled pull", func() bool {
		_, ok := eng.Read(schema.Reports, "2024-03-09")
		return ok
	})
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := backoff(time.Second, 10*time.Second, tt.attempts); got != tt.want {
			t.Errorf("backoff(attempts=%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unavailable", remote.ErrUnavailable, true},
		{"delivery", errors.Join(ErrDelivery, errors.New("timeout")), true},
		{"invalid", ErrInvalid, false},
		{"invalid delivery", errors.Join(ErrDelivery, ErrInvalid), false},
		{"other", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
