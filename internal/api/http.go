package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"chat-sync/internal/metrics"
	"chat-sync/internal/models"
	"chat-sync/pkg/logger"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const (
	HeaderRequestID      = "X-Request-ID"
	HeaderClientSession  = "X-Client-Session"
	HeaderIdempotencyKey = "Idempotency-Key"
)

// StatusError is a non-2xx answer from the backend.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend error %d: %s", e.Code, e.Message)
}

// HTTPBackend talks to the chat backend over HTTP/JSON.
type HTTPBackend struct {
	baseURL   string
	client    *http.Client
	sessionID string
	token     string
	log       *logger.Logger
}

func NewHTTPBackend(baseURL string, timeout time.Duration, log *logger.Logger) *HTTPBackend {
	return &HTTPBackend{
		baseURL:   baseURL,
		client:    &http.Client{Timeout: timeout},
		sessionID: uuid.NewString(),
		log:       logger.OrGlobal(log),
	}
}

// WithToken returns a copy that authenticates every request with token.
func (b *HTTPBackend) WithToken(token string) *HTTPBackend {
	cp := *b
	cp.token = token
	return &cp
}

func (b *HTTPBackend) BaseURL() string {
	return b.baseURL
}

func (b *HTTPBackend) SessionID() string {
	return b.sessionID
}

// Header returns the identification headers every request carries, for
// transports that open their own connections.
func (b *HTTPBackend) Header() http.Header {
	h := http.Header{}
	h.Set(HeaderClientSession, b.sessionID)
	if b.token != "" {
		h.Set("Authorization", "Bearer "+b.token)
	}
	return h
}

func (b *HTTPBackend) History(ctx context.Context, roomID models.ID) ([]models.Message, error) {
	var messages []models.Message
	if err := b.do(ctx, "history", http.MethodGet, "/chat/roomNum/"+url.PathEscape(roomID.String()), nil, &messages, nil); err != nil {
		return nil, err
	}
	return messages, nil
}

func (b *HTTPBackend) Send(ctx context.Context, req *models.SendRequest) (*models.Message, error) {
	extra := http.Header{}
	extra.Set(HeaderIdempotencyKey, ulid.Make().String())

	var msg models.Message
	if err := b.do(ctx, "send", http.MethodPost, "/chat", req, &msg, extra); err != nil {
		return nil, err
	}
	if msg.ID == "" {
		return nil, fmt.Errorf("send: backend returned a message without id")
	}
	return &msg, nil
}

func (b *HTTPBackend) Members(ctx context.Context, roomID models.ID) ([]models.Member, error) {
	var members []models.Member
	if err := b.do(ctx, "members", http.MethodGet, "/chat/room/"+url.PathEscape(roomID.String())+"/members", nil, &members, nil); err != nil {
		return nil, err
	}
	return members, nil
}

func (b *HTTPBackend) Invite(ctx context.Context, req *models.InviteRequest) error {
	return b.do(ctx, "invite", http.MethodPost, "/chat/invite", req, nil, nil)
}

func (b *HTTPBackend) Leave(ctx context.Context, req *models.LeaveRequest) error {
	return b.do(ctx, "leave", http.MethodPost, "/chat/leave", req, nil, nil)
}

func (b *HTTPBackend) ListRooms(ctx context.Context, employeeID models.ID) ([]models.RoomSummary, error) {
	var rooms []models.RoomSummary
	req := &models.ListRoomsRequest{EmployeeID: employeeID}
	if err := b.do(ctx, "list_rooms", http.MethodPost, "/chat/list", req, &rooms, nil); err != nil {
		return nil, err
	}
	return rooms, nil
}

func (b *HTTPBackend) CreateRoom(ctx context.Context, req *models.CreateRoomRequest) (*models.RoomSummary, error) {
	var room models.RoomSummary
	if err := b.do(ctx, "create_room", http.MethodPost, "/chat/rooms", req, &room, nil); err != nil {
		return nil, err
	}
	return &room, nil
}

func (b *HTTPBackend) Employees(ctx context.Context) ([]models.Employee, error) {
	var employees []models.Employee
	if err := b.do(ctx, "employees", http.MethodGet, "/chat/employees", nil, &employees, nil); err != nil {
		return nil, err
	}
	return employees, nil
}

func (b *HTTPBackend) Login(ctx context.Context, req *models.LoginRequest) (*models.LoginResponse, error) {
	var resp models.LoginResponse
	if err := b.do(ctx, "login", http.MethodPost, "/chat/login", req, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// do performs one JSON request. A nil out discards the response body.
func (b *HTTPBackend) do(ctx context.Context, op, method, path string, in, out interface{}, extra http.Header) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	for key, values := range b.Header() {
		req.Header[key] = values
	}
	for key, values := range extra {
		req.Header[key] = values
	}
	req.Header.Set(HeaderRequestID, uuid.NewString())
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := b.client.Do(req)
	if err != nil {
		metrics.APIRequestDuration.WithLabelValues(op, "error").Observe(time.Since(start).Seconds())
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	metrics.APIRequestDuration.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read response: %w", op, err)
	}

	if resp.StatusCode >= 400 {
		b.log.Debug("%s %s -> %d", method, path, resp.StatusCode)
		return fmt.Errorf("%s: %w", op, decodeStatusError(resp.StatusCode, respBody))
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func decodeStatusError(code int, body []byte) *StatusError {
	var errResp struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	msg := http.StatusText(code)
	if json.Unmarshal(body, &errResp) == nil {
		switch {
		case errResp.Error != "":
			msg = errResp.Error
		case errResp.Message != "":
			msg = errResp.Message
		}
	} else if text := string(bytes.TrimSpace(body)); text != "" && len(text) < 200 {
		msg = text
	}
	return &StatusError{Code: code, Message: msg}
}
