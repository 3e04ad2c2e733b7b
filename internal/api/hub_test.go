package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"socwatch/internal/notify"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestHub_BroadcastsNotifications(t *testing.T) {
	bus := notify.NewBus()
	hub := NewHub(context.Background(), bus, 16, slog.New(slog.NewTextHandler(io.Discard, nil)))
	go hub.Start()
	defer hub.Stop()

	ts := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	bus.Publish(notify.Notification{
		Type:      notify.SourceUnblocked,
		Timestamp: epoch,
		Payload:   notify.Unblocked{Source: "203.0.113.42", Timestamp: epoch},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}

	var got struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	if got.Type != string(notify.SourceUnblocked) {
		t.Errorf("type = %q, want %q", got.Type, notify.SourceUnblocked)
	}
	if got.Payload["source"] != "203.0.113.42" {
		t.Errorf("payload source = %v, want 203.0.113.42", got.Payload["source"])
	}
}

func TestHub_ClientDisconnect(t *testing.T) {
	bus := notify.NewBus()
	hub := NewHub(context.Background(), bus, 16, slog.New(slog.NewTextHandler(io.Discard, nil)))
	go hub.Start()
	defer hub.Stop()

	ts := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	conn.Close()
	waitFor(t, func() bool { return hub.ClientCount() == 0 })
}

func TestHub_StopsWhenBusCloses(t *testing.T) {
	bus := notify.NewBus()
	hub := NewHub(context.Background(), bus, 16, slog.New(slog.NewTextHandler(io.Discard, nil)))
	go hub.Start()

	bus.Close()

	select {
	case <-hub.done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after bus close")
	}
	hub.Stop()
}
