// Package testserver runs an in-memory chat backend over HTTP for tests.
//
// It serves every endpoint the client uses, pushes messages to SSE and
// WebSocket subscribers, and lets a test inject duplicate deliveries, drop
// streams, hold or fail requests, and count what the client sent.
package testserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"chat-sync/internal/models"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"
)

// Operation names accepted by FailNext.
const (
	OpHistory   = "history"
	OpStream    = "stream"
	OpSend      = "send"
	OpMembers   = "members"
	OpInvite    = "invite"
	OpLeave     = "leave"
	OpList      = "list"
	OpCreate    = "create"
	OpEmployees = "employees"
	OpLogin     = "login"
)

type employee struct {
	member models.Member
	hash   []byte
}

type room struct {
	summary  models.RoomSummary
	members  map[models.ID]bool
	messages []models.Message
}

type frame struct {
	id   string
	data []byte
}

type subscriber struct {
	send chan frame
	done chan struct{}
	once sync.Once
}

func (s *subscriber) drop() {
	s.once.Do(func() { close(s.done) })
}

type Server struct {
	*httptest.Server

	secret   []byte
	upgrader websocket.Upgrader

	mu         sync.Mutex
	employees  map[models.ID]*employee
	rooms      map[models.ID]*room
	subs       map[models.ID]map[*subscriber]bool
	nextMsgID  int64
	nextRoomID int64
	requests   map[string]int
	failures   map[string][]int
	hold       map[string]chan struct{}
	shutdown   chan struct{}
}

// New starts a server that is closed when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		secret:     []byte("testserver-secret"),
		employees:  make(map[models.ID]*employee),
		rooms:      make(map[models.ID]*room),
		subs:       make(map[models.ID]map[*subscriber]bool),
		nextMsgID:  1,
		nextRoomID: 1,
		requests:   make(map[string]int),
		failures:   make(map[string][]int),
		hold:       make(map[string]chan struct{}),
		shutdown:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(s.Close)
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(s.authenticate)

	r.Post("/chat/login", s.handleLogin)
	r.Get("/chat/roomNum/{room}", s.handleHistory)
	r.Get("/chat/stream/roomNum/{room}", s.handleSSE)
	r.Get("/chat/ws/roomNum/{room}", s.handleWebSocket)
	r.Post("/chat", s.handleSend)
	r.Get("/chat/room/{room}/members", s.handleMembers)
	r.Post("/chat/invite", s.handleInvite)
	r.Post("/chat/leave", s.handleLeave)
	r.Post("/chat/list", s.handleList)
	r.Post("/chat/rooms", s.handleCreate)
	r.Get("/chat/employees", s.handleEmployees)
	return r
}

// Close ends every open stream and stops the server.
func (s *Server) Close() {
	s.mu.Lock()
	select {
	case <-s.shutdown:
	default:
		close(s.shutdown)
	}
	for _, set := range s.subs {
		for sub := range set {
			sub.drop()
		}
	}
	s.mu.Unlock()
	s.Server.Close()
}

// AddEmployee registers an employee who can log in with password.
func (s *Server) AddEmployee(id models.ID, name, password string) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.employees[id] = &employee{
		member: models.Member{EmployeeID: id, Name: name, DepartmentName: "Engineering", LevelName: "Staff"},
		hash:   hash,
	}
}

func (s *Server) AddRoom(id models.ID, name string, members ...models.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm := &room{
		summary: models.RoomSummary{RoomID: id, RoomName: name},
		members: make(map[models.ID]bool),
	}
	for _, m := range members {
		rm.members[m] = true
	}
	s.rooms[id] = rm
	if n, err := strconv.ParseInt(id.String(), 10, 64); err == nil && n >= s.nextRoomID {
		s.nextRoomID = n + 1
	}
}

func (s *Server) RemoveRoom(id models.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, id)
}

// SeedMessage stores messages as history without pushing them.
func (s *Server) SeedMessage(roomID models.ID, msgs ...models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm := s.rooms[roomID]
	if rm == nil {
		panic(fmt.Sprintf("testserver: unknown room %s", roomID))
	}
	for _, m := range msgs {
		m.RoomID = roomID
		rm.messages = append(rm.messages, m)
		if n, err := strconv.ParseInt(m.ID.String(), 10, 64); err == nil && n >= s.nextMsgID {
			s.nextMsgID = n + 1
		}
	}
}

// PostMessage stores a message from sender and pushes it, as if another
// client had sent it.
func (s *Server) PostMessage(roomID, sender models.ID, text string) models.Message {
	s.mu.Lock()
	msg, ok := s.storeMessage(roomID, sender, text)
	s.mu.Unlock()
	if !ok {
		panic(fmt.Sprintf("testserver: unknown room %s", roomID))
	}
	s.Push(roomID, msg)
	return msg
}

// Push delivers msg to the room's subscribers without storing it.
func (s *Server) Push(roomID models.ID, msg models.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		panic(err)
	}
	s.broadcast(roomID, frame{id: msg.ID.String(), data: data})
}

// PushRaw delivers an arbitrary payload.
func (s *Server) PushRaw(roomID models.ID, payload string) {
	s.broadcast(roomID, frame{data: []byte(payload)})
}

// DropStreams disconnects every subscriber of the room.
func (s *Server) DropStreams(roomID models.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs[roomID] {
		sub.drop()
	}
}

// Subscribers counts the open streams of the room.
func (s *Server) Subscribers(roomID models.ID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[roomID])
}

// Messages returns the stored history of the room.
func (s *Server) Messages(roomID models.ID) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm := s.rooms[roomID]
	if rm == nil {
		return nil
	}
	return append([]models.Message(nil), rm.messages...)
}

func (s *Server) IsMember(roomID, employeeID models.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm := s.rooms[roomID]
	return rm != nil && rm.members[employeeID]
}

// Requests counts handled requests for op, including failed ones.
func (s *Server) Requests(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[op]
}

// SendCount is Requests(OpSend).
func (s *Server) SendCount() int {
	return s.Requests(OpSend)
}

// FailNext makes the next request for op answer with status. Calls queue.
func (s *Server) FailNext(op string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], status)
}

// Hold blocks requests for op until the returned release is called.
func (s *Server) Hold(op string) (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.hold[op] = ch
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.hold[op] == ch {
				delete(s.hold, op)
			}
			s.mu.Unlock()
			close(ch)
		})
	}
}

// HoldSends is Hold(OpSend).
func (s *Server) HoldSends() (release func()) {
	return s.Hold(OpSend)
}

// Token signs a login token for employeeID.
func (s *Server) Token(employeeID models.ID, ttl time.Duration) string {
	claims := jwt.MapClaims{
		"sub": employeeID.String(),
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(ttl).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		panic(err)
	}
	return token
}

// begin records a request for op, waits while op is held, and answers a
// queued failure. It returns false when the request has been answered.
func (s *Server) begin(w http.ResponseWriter, r *http.Request, op string) bool {
	s.mu.Lock()
	s.requests[op]++
	hold := s.hold[op]
	s.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-r.Context().Done():
			return false
		case <-s.shutdown:
			return false
		}
	}

	s.mu.Lock()
	var status int
	if queued := s.failures[op]; len(queued) > 0 {
		status = queued[0]
		s.failures[op] = queued[1:]
	}
	s.mu.Unlock()

	if status != 0 {
		writeError(w, status, fmt.Sprintf("%s failed", op))
		return false
	}
	return true
}

func (s *Server) storeMessage(roomID, sender models.ID, text string) (models.Message, bool) {
	rm := s.rooms[roomID]
	if rm == nil {
		return models.Message{}, false
	}
	msg := models.Message{
		ID:        models.ID(strconv.FormatInt(s.nextMsgID, 10)),
		RoomID:    roomID,
		Sender:    sender,
		Text:      text,
		CreatedAt: models.Timestamp{Time: time.Now().UTC().Truncate(time.Millisecond)},
	}
	s.nextMsgID++
	if e := s.employees[sender]; e != nil {
		msg.SenderName = e.member.Name
		msg.SenderMeta = &models.SenderMeta{DepartmentName: e.member.DepartmentName, LevelName: e.member.LevelName}
	}
	rm.messages = append(rm.messages, msg)
	return msg, true
}

func (s *Server) broadcast(roomID models.ID, f frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs[roomID] {
		select {
		case sub.send <- f:
		default:
			sub.drop()
		}
	}
}

func (s *Server) subscribe(roomID models.ID) *subscriber {
	sub := &subscriber{send: make(chan frame, 64), done: make(chan struct{})}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[roomID] == nil {
		s.subs[roomID] = make(map[*subscriber]bool)
	}
	s.subs[roomID][sub] = true
	return sub
}

func (s *Server) unsubscribe(roomID models.ID, sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs[roomID], sub)
	sub.drop()
}

func (s *Server) roomExists(id models.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[id]
	return ok
}

// authenticate rejects requests carrying a bearer token this server did not
// sign. Requests without a token are let through.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}
		tokenStr := strings.TrimPrefix(header, "Bearer ")
		_, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return s.secret, nil
		})
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func roomParam(r *http.Request) models.ID {
	return models.ID(chi.URLParam(r, "room"))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func sortedIDs(set map[models.ID]bool) []models.ID {
	ids := make([]models.ID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
