package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/mschirtzinger/shopsync/internal/engine"
	"github.com/mschirtzinger/shopsync/internal/schema"
	"github.com/mschirtzinger/shopsync/internal/status"
)

type fakeSource struct {
	events  *status.Broadcaster
	pending atomic.Int32
	syncs   atomic.Int32
	syncErr error
}

func newFakeSource() *fakeSource {
	return &fakeSource{events: status.NewBroadcaster()}
}

func (f *fakeSource) Stats() engine.Stats {
	return engine.Stats{PendingChanges: int(f.pending.Load()), Online: true}
}

func (f *fakeSource) Queue() []*schema.PendingChange {
	if f.pending.Load() == 0 {
		return nil
	}
	return []*schema.PendingChange{
		schema.NewChange(schema.OpSet, schema.Reports, "2024-03-01", schema.MustDocument(map[string]any{"total": 1}), ""),
	}
}

func (f *fakeSource) ForceSync(ctx context.Context) error {
	f.syncs.Add(1)
	if f.syncErr != nil {
		return f.syncErr
	}
	f.pending.Store(0)
	return nil
}

func (f *fakeSource) Subscribe(buffer int) (<-chan status.Event, func()) {
	return f.events.Subscribe(buffer)
}

func startServer(t *testing.T, src Source) *Server {
	t.Helper()
	server := NewServer(src, &Config{Host: "127.0.0.1", Port: 0})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() {
		if err := server.Stop(); err != nil {
			t.Errorf("Failed to stop server: %v", err)
		}
	})
	return server
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(newFakeSource(), &Config{Host: "127.0.0.1", Port: 0})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if server.Addr() == "" {
		t.Fatal("Server address is empty")
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestWebSocketWelcomeAndRelay(t *testing.T) {
	src := newFakeSource()
	src.pending.Store(2)
	server := startServer(t, src)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	welcome := readMessage(t, ctx, conn)
	if welcome.Type != MessageTypeStats {
		t.Fatalf("welcome type = %s, want %s", welcome.Type, MessageTypeStats)
	}
	var stats engine.Stats
	if err := json.Unmarshal(welcome.Data, &stats); err != nil {
		t.Fatalf("Failed to decode stats: %v", err)
	}
	if stats.PendingChanges != 2 || !stats.Online {
		t.Errorf("welcome stats = %+v", stats)
	}
	if count := server.ClientCount(); count != 1 {
		t.Errorf("ClientCount() = %d, want 1", count)
	}

	src.events.Publish(status.Event{Kind: status.KindSyncing, PendingChanges: 2, Online: true})

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeStatus {
		t.Fatalf("message type = %s, want %s", msg.Type, MessageTypeStatus)
	}
	var ev status.Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		t.Fatalf("Failed to decode event: %v", err)
	}
	if ev.Kind != status.KindSyncing || ev.PendingChanges != 2 {
		t.Errorf("event = %+v", ev)
	}

	if next := readMessage(t, ctx, conn); next.Type != MessageTypeStats {
		t.Errorf("follow-up type = %s, want %s", next.Type, MessageTypeStats)
	}
}

func TestHTTPEndpoints(t *testing.T) {
	src := newFakeSource()
	src.pending.Store(1)
	server := startServer(t, src)
	base := "http://" + server.Addr()

	get := func(path string, v any) int {
		t.Helper()
		resp, err := http.Get(base + path)
		if err != nil {
			t.Fatalf("GET %s failed: %v", path, err)
		}
		defer resp.Body.Close()
		if v != nil {
			if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
				t.Fatalf("GET %s: bad JSON: %v", path, err)
			}
		}
		return resp.StatusCode
	}

	var health map[string]any
	if code := get("/health", &health); code != http.StatusOK || health["status"] != "ok" {
		t.Errorf("/health = %d %v", code, health)
	}

	var stats engine.Stats
	if code := get("/stats", &stats); code != http.StatusOK || stats.PendingChanges != 1 {
		t.Errorf("/stats = %d %+v", code, stats)
	}

	var changes []schema.PendingChange
	if code := get("/queue", &changes); code != http.StatusOK || len(changes) != 1 {
		t.Fatalf("/queue = %d %+v", code, changes)
	}
	if changes[0].Path() != "reports/2024-03-01" {
		t.Errorf("queued path = %q", changes[0].Path())
	}

	if code := get("/sync", nil); code != http.StatusMethodNotAllowed {
		t.Errorf("GET /sync = %d, want 405", code)
	}

	resp, err := http.Post(base+"/sync", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /sync failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("POST /sync = %d, want 200", resp.StatusCode)
	}
	if src.syncs.Load() != 1 {
		t.Errorf("ForceSync calls = %d, want 1", src.syncs.Load())
	}

	changes = nil
	get("/queue", &changes)
	if changes == nil || len(changes) != 0 {
		t.Errorf("/queue after sync = %+v, want empty array", changes)
	}
}

func TestSyncFailure(t *testing.T) {
	src := newFakeSource()
	src.syncErr = errors.New("remote down")
	server := startServer(t, src)

	resp, err := http.Post("http://"+server.Addr()+"/sync", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /sync failed: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("bad JSON: %v", err)
	}
	if resp.StatusCode != http.StatusBadGateway || body["error"] != "remote down" {
		t.Errorf("POST /sync = %d %v", resp.StatusCode, body)
	}
}

func TestRelayStopsWhenSourceCloses(t *testing.T) {
	src := newFakeSource()
	server := startServer(t, src)

	// The relay exits on its own; Stop in cleanup must not hang
	src.events.Close()
	if server.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d, want 0", server.ClientCount())
	}
}
