package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/campuscoin/token-engine/internal/api"
)

func dialWS(t *testing.T, srvURL string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srvURL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	return conn
}

func TestHubBroadcastSurvivesClosedClient(t *testing.T) {
	hub := api.NewWSHub()
	go hub.Run()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	alive := dialWS(t, srv.URL)
	defer alive.Close()
	dead := dialWS(t, srv.URL)

	// Registration happens on the handler goroutine after the upgrade.
	time.Sleep(200 * time.Millisecond)
	dead.Close()

	// Delivery must reach the remaining client even when another entry in
	// the client set is gone and gets evicted mid-broadcast.
	hub.Broadcast(api.WSMessage{Type: "progress", Phase: "trade", Line: "first"})
	hub.Broadcast(api.WSMessage{Type: "phase_complete", Phase: "trade", Line: "second"})

	alive.SetReadDeadline(time.Now().Add(2 * time.Second))
	for _, want := range []string{"first", "second"} {
		_, data, err := alive.ReadMessage()
		if err != nil {
			t.Fatalf("read %q: %v", want, err)
		}
		var msg api.WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if msg.Line != want {
			t.Errorf("Line = %q, want %q", msg.Line, want)
		}
		if msg.Phase != "trade" {
			t.Errorf("Phase = %q, want trade", msg.Phase)
		}
	}
}
