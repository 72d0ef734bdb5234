package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"chat-sync/internal/models"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// WebSocketTransport subscribes to GET /chat/ws/roomNum/{room}; every text
// frame is one message payload.
type WebSocketTransport struct {
	URL          string
	Header       http.Header
	Dialer       *websocket.Dialer
	PingInterval time.Duration
	ReadTimeout  time.Duration
}

// NewWebSocketTransport derives the ws:// or wss:// endpoint from an http(s)
// base URL.
func NewWebSocketTransport(baseURL string, header http.Header, pingInterval, readTimeout time.Duration) *WebSocketTransport {
	wsURL := baseURL
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(baseURL, "http://")
	}
	if pingInterval <= 0 {
		pingInterval = 54 * time.Second
	}
	if readTimeout <= pingInterval {
		readTimeout = pingInterval + pingInterval/9
	}
	return &WebSocketTransport{
		URL:          wsURL,
		Header:       header,
		Dialer:       websocket.DefaultDialer,
		PingInterval: pingInterval,
		ReadTimeout:  readTimeout,
	}
}

func (t *WebSocketTransport) Subscribe(ctx context.Context, roomID models.ID, _ string) (Subscription, error) {
	endpoint := t.URL + "/chat/ws/roomNum/" + url.PathEscape(roomID.String())
	conn, resp, err := t.Dialer.DialContext(ctx, endpoint, t.Header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("subscribe room %s: handshake status %d: %w", roomID, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("subscribe room %s: %w", roomID, err)
	}

	sub := &wsSubscription{
		conn:        conn,
		readTimeout: t.ReadTimeout,
		done:        make(chan struct{}),
	}
	sub.setupReadConnection()
	go sub.keepAlive(ctx, t.PingInterval)
	return sub, nil
}

type wsSubscription struct {
	conn        *websocket.Conn
	readTimeout time.Duration
	done        chan struct{}
	closeOnce   sync.Once
}

// setupReadConnection extends the read deadline whenever the server shows
// signs of life.
func (s *wsSubscription) setupReadConnection() {
	extend := func() {
		s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	}
	extend()
	s.conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})
	s.conn.SetPingHandler(func(data string) error {
		extend()
		err := s.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
}

func (s *wsSubscription) keepAlive(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Close()
			return
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (s *wsSubscription) Next() (Event, error) {
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return Event{}, err
		}
		s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		if messageType != websocket.TextMessage {
			continue
		}
		return Event{Data: data}, nil
	}
}

func (s *wsSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}
