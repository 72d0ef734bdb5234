package stream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"chat-sync/internal/models"
)

// SSETransport subscribes to GET /chat/stream/roomNum/{room} as a
// text/event-stream.
type SSETransport struct {
	BaseURL string
	Header  http.Header
	// Client must not carry a Timeout; the stream is meant to stay open.
	Client *http.Client
}

func NewSSETransport(baseURL string, header http.Header) *SSETransport {
	return &SSETransport{
		BaseURL: baseURL,
		Header:  header,
		Client:  &http.Client{},
	}
}

func (t *SSETransport) Subscribe(ctx context.Context, roomID models.ID, lastEventID string) (Subscription, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.BaseURL+"/chat/stream/roomNum/"+url.PathEscape(roomID.String()), nil)
	if err != nil {
		return nil, err
	}
	for key, values := range t.Header {
		req.Header[key] = values
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("subscribe room %s: unexpected status %d", roomID, resp.StatusCode)
	}
	if mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mediaType != "text/event-stream" {
		resp.Body.Close()
		return nil, fmt.Errorf("subscribe room %s: unexpected content type %q", roomID, resp.Header.Get("Content-Type"))
	}

	return &sseSubscription{body: resp.Body, reader: NewEventReader(resp.Body, lastEventID)}, nil
}

type sseSubscription struct {
	body   io.ReadCloser
	reader *EventReader
}

// Next skips named events; only default "message" events carry chat messages.
func (s *sseSubscription) Next() (Event, error) {
	for {
		ev, err := s.reader.Next()
		if err != nil {
			return Event{}, err
		}
		if ev.Type == "" || ev.Type == "message" {
			return ev, nil
		}
	}
}

func (s *sseSubscription) Close() error {
	return s.body.Close()
}

// MaxLineSize bounds one line of an event stream. Longer lines fail the
// stream with bufio.ErrTooLong.
const MaxLineSize = 1 << 20

// EventReader parses a text/event-stream body.
type EventReader struct {
	scanner *bufio.Scanner
	lastID  string
}

// NewEventReader reads events from r. lastID seeds the id reported for
// events that do not set their own.
func NewEventReader(r io.Reader, lastID string) *EventReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), MaxLineSize)
	return &EventReader{scanner: scanner, lastID: lastID}
}

// Next returns the next dispatched event. An event cut off by the end of the
// stream is discarded and io.EOF returned.
func (er *EventReader) Next() (Event, error) {
	var data bytes.Buffer
	hasData := false
	eventType := ""

	for {
		if !er.scanner.Scan() {
			if err := er.scanner.Err(); err != nil {
				return Event{}, err
			}
			return Event{}, io.EOF
		}
		line := er.scanner.Text()

		if line == "" {
			if !hasData {
				eventType = ""
				continue
			}
			return Event{ID: er.lastID, Type: eventType, Data: data.Bytes()}, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value := line, ""
		if i := strings.IndexByte(line, ':'); i >= 0 {
			field = line[:i]
			value = strings.TrimPrefix(line[i+1:], " ")
		}

		switch field {
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "event":
			eventType = value
		case "id":
			if !strings.ContainsRune(value, 0) {
				er.lastID = value
			}
		case "retry":
			// reconnect timing belongs to the Policy
		}
	}
}

// LastID is the most recent event id seen on the stream.
func (er *EventReader) LastID() string {
	return er.lastID
}
