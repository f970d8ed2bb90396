package connectivity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeProber struct {
	mu  sync.Mutex
	err error
}

func (p *fakeProber) Ping(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *fakeProber) set(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

type recorder struct {
	mu      sync.Mutex
	events  []string
	settled chan struct{}
}

func newRecorder() *recorder {
	return &recorder{settled: make(chan struct{}, 8)}
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnOnline:  func() { r.add("online") },
		OnOffline: func() { r.add("offline") },
		OnSettled: func(ctx context.Context) {
			r.add("settled")
			r.settled <- struct{}{}
		},
	}
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func testConfig(settle time.Duration) *Config {
	return &Config{SettleDelay: settle, ProbeTimeout: time.Second}
}

func TestSetOnline_SettlesAfterDelay(t *testing.T) {
	rec := newRecorder()
	m := New(nil, rec.handlers(), testConfig(30*time.Millisecond))
	m.Start(context.Background())
	defer m.Stop()

	if m.Online() {
		t.Fatal("monitor without prober started online")
	}

	start := time.Now()
	m.SetOnline(true)
	if !m.Online() {
		t.Fatal("Online() = false after SetOnline(true)")
	}

	select {
	case <-rec.settled:
	case <-time.After(2 * time.Second):
		t.Fatal("OnSettled never fired")
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("OnSettled fired after %v, before the settle delay", elapsed)
	}

	got := rec.snapshot()
	if len(got) != 2 || got[0] != "online" || got[1] != "settled" {
		t.Errorf("events = %v, want [online settled]", got)
	}
}

func TestSetOnline_FlapCancelsSettle(t *testing.T) {
	rec := newRecorder()
	m := New(nil, rec.handlers(), testConfig(50*time.Millisecond))
	defer m.Stop()

	m.SetOnline(true)
	m.SetOnline(false)

	select {
	case <-rec.settled:
		t.Fatal("OnSettled fired after going offline")
	case <-time.After(120 * time.Millisecond):
	}

	got := rec.snapshot()
	if len(got) != 2 || got[0] != "online" || got[1] != "offline" {
		t.Errorf("events = %v, want [online offline]", got)
	}
}

func TestSetOnline_RepeatIsNoop(t *testing.T) {
	rec := newRecorder()
	m := New(nil, rec.handlers(), &Config{Initial: true, SettleDelay: time.Hour})
	defer m.Stop()

	m.SetOnline(true)
	if got := rec.snapshot(); len(got) != 0 {
		t.Errorf("events = %v, want none", got)
	}
}

func TestStart_InitialProbe(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"reachable", nil, true},
		{"unreachable", errors.New("no route"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newRecorder()
			m := New(&fakeProber{err: tt.err}, rec.handlers(), &Config{Initial: !tt.want, SettleDelay: time.Hour})
			m.Start(context.Background())
			defer m.Stop()

			if m.Online() != tt.want {
				t.Errorf("Online() = %v, want %v", m.Online(), tt.want)
			}
			if got := rec.snapshot(); len(got) != 0 {
				t.Errorf("initial probe fired handlers: %v", got)
			}
		})
	}
}

func TestProbeLoop_DetectsRecovery(t *testing.T) {
	prober := &fakeProber{err: errors.New("down")}
	rec := newRecorder()
	m := New(prober, rec.handlers(), &Config{
		ProbeInterval: 10 * time.Millisecond,
		ProbeTimeout:  time.Second,
		SettleDelay:   0,
	})
	m.Start(context.Background())
	defer m.Stop()

	prober.set(nil)

	select {
	case <-rec.settled:
	case <-time.After(2 * time.Second):
		t.Fatal("probe loop never reported recovery")
	}
	if !m.Online() {
		t.Error("Online() = false after recovery")
	}
}

func TestStop_CancelsPendingSettle(t *testing.T) {
	var fired atomic.Bool
	m := New(nil, Handlers{OnSettled: func(context.Context) { fired.Store(true) }}, testConfig(30*time.Millisecond))
	m.SetOnline(true)
	m.Stop()

	time.Sleep(60 * time.Millisecond)
	if fired.Load() {
		t.Error("OnSettled fired after Stop()")
	}
}
