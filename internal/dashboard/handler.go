package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mschirtzinger/shopsync/internal/schema"
	"github.com/mschirtzinger/shopsync/internal/status"
)

func (s *Server) routes(syncTimeout time.Duration) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /queue", s.handleQueue)
	mux.HandleFunc("POST /sync", func(w http.ResponseWriter, r *http.Request) {
		s.handleSync(w, r, syncTimeout)
	})
	mux.HandleFunc("GET /{$}", s.handleRoot)
	return mux
}

// relay turns engine status events into dashboard messages. Each event is
// followed by a stats message so clients never have to poll.
func (s *Server) relay(events <-chan status.Event, unsubscribe func()) {
	defer s.wg.Done()
	defer unsubscribe()

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("Failed to marshal status event", zap.Error(err))
				continue
			}
			s.Broadcast(Message{Type: MessageTypeStatus, Timestamp: ev.Time, Data: data})

			if msg, err := s.statsMessage(); err == nil {
				s.Broadcast(msg)
			}
		}
	}
}

func (s *Server) statsMessage() (Message, error) {
	data, err := json.Marshal(s.src.Stats())
	if err != nil {
		s.logger.Error("Failed to marshal stats", zap.Error(err))
		return Message{}, err
	}
	return Message{Type: MessageTypeStats, Timestamp: time.Now(), Data: data}, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.src.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
		"online":  stats.Online,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.src.Stats())
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	changes := s.src.Queue()
	if changes == nil {
		changes = []*schema.PendingChange{}
	}
	writeJSON(w, http.StatusOK, changes)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	if err := s.src.ForceSync(ctx); err != nil {
		s.logger.Warn("Forced sync failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error": err.Error(),
			"stats": s.src.Stats(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"stats":  s.src.Stats(),
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>shopsync</title>
</head>
<body>
    <h1>shopsync</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p><a href="/health">/health</a> &middot; <a href="/stats">/stats</a> &middot; <a href="/queue">/queue</a></p>
    <p>POST /sync forces a sync pass.</p>
</body>
</html>`, r.Host)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
