package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestWebSocketTransportReadsTextFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/ws/roomNum/7" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.BinaryMessage, []byte{0x01})
		conn.WriteMessage(websocket.TextMessage, []byte(`{"id":1}`))
		// hold the connection until the client goes away
		conn.ReadMessage()
	}))
	defer srv.Close()

	tr := NewWebSocketTransport(srv.URL, nil, time.Second, 0)
	if tr.ReadTimeout <= tr.PingInterval {
		t.Fatalf("read timeout %v must exceed ping interval %v", tr.ReadTimeout, tr.PingInterval)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sub, err := tr.Subscribe(ctx, "7", "")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	ev, err := sub.Next()
	if err != nil {
		t.Fatal(err)
	}
	if string(ev.Data) != `{"id":1}` {
		t.Fatalf("unexpected frame %q", ev.Data)
	}

	if err := sub.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := sub.Next(); err == nil {
		t.Fatal("expected error after close")
	}
}

func TestNewWebSocketTransportURL(t *testing.T) {
	cases := map[string]string{
		"http://chat.local:8080": "ws://chat.local:8080",
		"https://chat.example":   "wss://chat.example",
	}
	for in, want := range cases {
		if got := NewWebSocketTransport(in, nil, 0, 0).URL; got != want {
			t.Errorf("%s: expected %s, got %s", in, want, got)
		}
	}
}

func TestWebSocketTransportHandshakeFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	if _, err := NewWebSocketTransport(srv.URL, nil, time.Second, 0).Subscribe(context.Background(), "7", ""); err == nil {
		t.Fatal("expected handshake error")
	}
}
