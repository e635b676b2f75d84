// Notifeed - Coordinated Live Notification Feed
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/notifeed

package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/notifeed/internal/models"
)

// mockStreamServer simulates the upstream item stream.
type mockStreamServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader
	connChan chan *websocket.Conn
}

func newMockStreamServer() *mockStreamServer {
	mock := &mockStreamServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		connChan: make(chan *websocket.Conn, 1),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "test-token" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := mock.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mock.connChan <- conn
	}))

	return mock
}

func (m *mockStreamServer) close() {
	m.server.Close()
}

func (m *mockStreamServer) send(conn *websocket.Conn, frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func TestClientBuildURL(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		token string
		want  string
	}{
		{"http to ws", "http://host:8080/stream", "", "ws://host:8080/stream"},
		{"https to wss", "https://host/stream", "", "wss://host/stream"},
		{"token appended", "http://host/stream", "abc", "ws://host/stream?token=abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient(tt.raw, tt.token, Handlers{})
			got, err := c.buildURL()
			if err != nil {
				t.Fatalf("buildURL: %v", err)
			}
			if got != tt.want {
				t.Errorf("buildURL = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClientRoutesFrames(t *testing.T) {
	mock := newMockStreamServer()
	defer mock.close()

	items := make(chan *models.ItemEvent, 4)
	unavailable := make(chan *models.UnavailableEvent, 1)
	prices := make(chan *models.PriceUpdateEvent, 1)
	batchEnds := make(chan struct{}, 1)

	client := NewClient(mock.server.URL, "test-token", Handlers{
		OnItem:        func(ev *models.ItemEvent) { items <- ev },
		OnUnavailable: func(ev *models.UnavailableEvent) { unavailable <- ev },
		OnPriceUpdate: func(ev *models.PriceUpdateEvent) { prices <- ev },
		OnEndOfBatch:  func() { batchEnds <- struct{}{} },
	})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !client.Connected() {
		t.Fatal("expected Connected() after Connect")
	}

	runDone := make(chan error, 1)
	go func() { runDone <- client.Run(ctx) }()

	var serverConn *websocket.Conn
	select {
	case serverConn = <-mock.connChan:
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the connection")
	}
	defer serverConn.Close()

	frames := []map[string]any{
		{"type": "new_item", "item": map[string]any{"id": "live-1", "title": "Live"}},
		{"type": "batch_item", "item": map[string]any{"id": "replay-1", "title": "Replay", "image_url": "http://x/i.jpg"}},
		{"type": "unavailable_item", "id": "gone-1"},
		{"type": "price_update", "id": "live-1", "etv_min": 3.5, "etv_max": 9.0},
		{"type": "end_of_batch"},
		{"type": "future_thing"}, // unknown types must not kill the loop
	}
	for _, f := range frames {
		if err := mock.send(serverConn, f); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	live := waitFor(t, items, "live item")
	if live.ID != "live-1" || live.Replay {
		t.Errorf("live event = %+v, want id live-1 with Replay=false", live)
	}

	replay := waitFor(t, items, "replay item")
	if replay.ID != "replay-1" || !replay.Replay {
		t.Errorf("replay event = %+v, want id replay-1 with Replay=true", replay)
	}

	gone := waitFor(t, unavailable, "unavailable event")
	if gone.ID != "gone-1" {
		t.Errorf("unavailable id = %q, want gone-1", gone.ID)
	}

	price := waitFor(t, prices, "price update")
	if price.ID != "live-1" || price.ETVMin == nil || *price.ETVMin != 3.5 || price.ETVMax == nil || *price.ETVMax != 9.0 {
		t.Errorf("price update = %+v, want live-1 3.5..9.0", price)
	}

	waitFor(t, batchEnds, "end of batch")

	cancel()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestClientRequestReplay(t *testing.T) {
	mock := newMockStreamServer()
	defer mock.close()

	client := NewClient(mock.server.URL, "test-token", Handlers{})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	serverConn := <-mock.connChan
	defer serverConn.Close()

	if err := client.RequestReplay(50); err != nil {
		t.Fatalf("RequestReplay: %v", err)
	}

	if err := serverConn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	_, data, err := serverConn.ReadMessage()
	if err != nil {
		t.Fatalf("server read: %v", err)
	}

	var req replayRequest
	if err := json.Unmarshal(data, &req); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if req.Action != replayAction || req.Count != 50 {
		t.Errorf("request = %+v, want action %q count 50", req, replayAction)
	}
}

func TestClientRequestReplayDisconnected(t *testing.T) {
	client := NewClient("http://localhost:1/stream", "", Handlers{})
	if err := client.RequestReplay(10); err == nil {
		t.Error("expected error when not connected")
	}
}

func TestClientRejectsBadToken(t *testing.T) {
	mock := newMockStreamServer()
	defer mock.close()

	client := NewClient(mock.server.URL, "wrong-token", Handlers{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err == nil {
		t.Error("expected dial failure with bad token")
	}
}

func TestClientHandleFrameGarbage(t *testing.T) {
	called := false
	client := NewClient("http://x/stream", "", Handlers{
		OnItem: func(*models.ItemEvent) { called = true },
	})

	client.handleFrame([]byte("{not json"))
	client.handleFrame([]byte(`{"type":"new_item"}`)) // missing item payload

	if called {
		t.Error("handler fired for unusable frames")
	}
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}
