// Package main runs a demo WebSocket client for emergency events.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type        string         `json:"type"`
	EmergencyID string         `json:"emergencyId,omitempty"`
	Event       string         `json:"event,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)

	// Report an emergency as a citizen
	body := []byte(`{"type":"AMBULANCE","location":{"lat":40.7128,"lng":-74.0060},"description":"demo incident"}`)
	req, _ := http.NewRequest(http.MethodPost, base+"/v1/emergencies", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-Id", "u_demo")
	req.Header.Set("X-User-Type", "CITIZEN")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var created struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		log.Fatal(err)
	}
	if created.ID == "" {
		log.Fatal("no emergency id returned")
	}
	log.Printf("Emergency %s (%s)", created.ID, created.Status)

	// Connect WS as the same citizen
	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/ws"}
	hdr := http.Header{}
	hdr.Set("X-User-Id", "u_demo")
	hdr.Set("X-User-Type", "CITIZEN")
	c, _, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	if err := c.WriteJSON(wsMessage{Type: "subscribe", EmergencyID: created.ID}); err != nil {
		log.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			b, _ := json.Marshal(m.Data)
			log.Printf("WS <- %s %s: %s", m.Type, m.Event, b)
		}
	}()

	// Trigger an event by cancelling the emergency
	time.Sleep(500 * time.Millisecond)
	cancelReq, _ := http.NewRequest(http.MethodPost, fmt.Sprintf("%s/v1/emergencies/%s/cancel", base, created.ID), bytes.NewReader([]byte(`{"reason":"demo"}`)))
	cancelReq.Header.Set("Content-Type", "application/json")
	cancelReq.Header.Set("X-User-Id", "u_demo")
	cancelReq.Header.Set("X-User-Type", "CITIZEN")
	_, _ = http.DefaultClient.Do(cancelReq)

	select {
	case <-time.After(2 * time.Second):
	case <-done:
	}
}
