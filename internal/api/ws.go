package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Live event feed over WebSocket: clients subscribe to emergency ids and
// receive the same events the SSE stream carries.

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

type wsMessage struct {
	Type        string         `json:"type"`
	EmergencyID string         `json:"emergencyId,omitempty"`
	Event       string         `json:"event,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// WSHandler handles GET /v1/ws.
func (s *Server) WSHandler(w http.ResponseWriter, r *http.Request) {
	p := s.getPrincipal(r)
	if p.UserID == "" {
		writeProblem(w, http.StatusUnauthorized, "Unauthorized", "missing or invalid token", r.URL.Path)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	type sub struct {
		ch   chan SSEEvent
		done chan struct{}
	}
	subs := map[string]sub{}
	defer func() {
		for id, su := range subs {
			close(su.done)
			s.Broker.Unsubscribe(id, su.ch)
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	var writeMu sync.Mutex
	write := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	// keepalive
	go func() {
		ticker := time.NewTicker(20 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := write(wsMessage{Type: "ping"}); err != nil {
				return
			}
		}
	}()

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		switch msg.Type {
		case "ping":
			_ = write(wsMessage{Type: "pong"})
		case "subscribe":
			id := msg.EmergencyID
			if id == "" {
				_ = write(wsMessage{Type: "error", Data: map[string]any{"message": "emergencyId required"}})
				continue
			}
			if _, exists := subs[id]; exists {
				continue
			}
			// authorization mirrors the SSE stream
			em, err := s.Store.GetEmergency(r.Context(), id)
			if err != nil || !s.mayView(p, em) {
				_ = write(wsMessage{Type: "error", EmergencyID: id, Data: map[string]any{"message": "not authorized for this emergency"}})
				continue
			}
			su := sub{ch: s.Broker.Subscribe(id), done: make(chan struct{})}
			subs[id] = su
			go func(id string, su sub) {
				for {
					select {
					case <-su.done:
						return
					case evt, ok := <-su.ch:
						if !ok {
							return
						}
						if err := write(wsMessage{Type: "event", EmergencyID: id, Event: evt.Type, Data: evt.Data}); err != nil {
							return
						}
					}
				}
			}(id, su)
			_ = write(wsMessage{Type: "subscribed", EmergencyID: id})
		case "unsubscribe":
			if su, exists := subs[msg.EmergencyID]; exists {
				close(su.done)
				s.Broker.Unsubscribe(msg.EmergencyID, su.ch)
				delete(subs, msg.EmergencyID)
			}
		}
	}
}
