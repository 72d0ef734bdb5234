package testserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"chat-sync/internal/models"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"
)

const writeWait = 10 * time.Second

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, r, OpLogin) {
		return
	}
	var req models.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	e := s.employees[req.EmployeeID]
	s.mu.Unlock()
	if e == nil || bcrypt.CompareHashAndPassword(e.hash, []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	resp := models.LoginResponse{
		EmployeeID: e.member.EmployeeID,
		Name:       e.member.Name,
		Department: e.member.DepartmentName,
		Level:      e.member.LevelName,
		Token:      s.Token(req.EmployeeID, time.Hour),
		ChatRooms:  []models.RoomSummary{},
		Employees:  []models.Employee{},
	}
	s.mu.Lock()
	for _, id := range s.roomIDs() {
		if s.rooms[id].members[req.EmployeeID] {
			resp.ChatRooms = append(resp.ChatRooms, s.rooms[id].summary)
		}
	}
	resp.Employees = s.employeeList(req.EmployeeID)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, r, OpHistory) {
		return
	}
	roomID := roomParam(r)
	if !s.roomExists(roomID) {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	messages := s.Messages(roomID)
	if messages == nil {
		messages = []models.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, r, OpStream) {
		return
	}
	roomID := roomParam(r)
	if !s.roomExists(roomID) {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := s.subscribe(roomID)
	defer s.unsubscribe(roomID, sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.done:
			return
		case f := <-sub.send:
			if f.id != "" {
				fmt.Fprintf(w, "id: %s\n", f.id)
			}
			fmt.Fprintf(w, "data: %s\n\n", f.data)
			flusher.Flush()
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, r, OpStream) {
		return
	}
	roomID := roomParam(r)
	if !s.roomExists(roomID) {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sub := s.subscribe(roomID)
	defer s.unsubscribe(roomID, sub)
	defer conn.Close()

	// The reader only notices the client going away; control frames are
	// answered by gorilla's default handlers.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				sub.drop()
				return
			}
		}
	}()

	for {
		select {
		case <-sub.done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(time.Second))
			return
		case f := <-sub.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, r, OpSend) {
		return
	}
	var req models.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "message is empty")
		return
	}

	s.mu.Lock()
	msg, ok := s.storeMessage(req.RoomID, req.Sender, req.Text)
	if ok && req.SenderName != "" {
		msg.SenderName = req.SenderName
		rm := s.rooms[req.RoomID]
		rm.messages[len(rm.messages)-1] = msg
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}

	s.Push(req.RoomID, msg)
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, r, OpMembers) {
		return
	}
	roomID := roomParam(r)

	s.mu.Lock()
	rm := s.rooms[roomID]
	var members []models.Member
	if rm != nil {
		members = []models.Member{}
		for _, id := range sortedIDs(rm.members) {
			if e := s.employees[id]; e != nil {
				members = append(members, e.member)
			} else {
				members = append(members, models.Member{EmployeeID: id})
			}
		}
	}
	s.mu.Unlock()

	if rm == nil {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	writeJSON(w, http.StatusOK, members)
}

func (s *Server) handleInvite(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, r, OpInvite) {
		return
	}
	var req models.InviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rm := s.rooms[req.RoomID]
	if rm == nil {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	for _, id := range req.EmployeeIDs {
		if s.employees[id] == nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown employee %s", id))
			return
		}
	}
	for _, id := range req.EmployeeIDs {
		rm.members[id] = true
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, r, OpLeave) {
		return
	}
	var req models.LeaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rm := s.rooms[req.RoomID]
	if rm == nil || !rm.members[req.EmployeeID] {
		writeError(w, http.StatusForbidden, "not a member of this room")
		return
	}
	delete(rm.members, req.EmployeeID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, r, OpList) {
		return
	}
	var req models.ListRoomsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	rooms := []models.RoomSummary{}
	for _, id := range s.roomIDs() {
		if s.rooms[id].members[req.EmployeeID] {
			rooms = append(rooms, s.rooms[id].summary)
		}
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, rooms)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, r, OpCreate) {
		return
	}
	var req models.CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RoomName == "" {
		writeError(w, http.StatusBadRequest, "room name is required")
		return
	}

	s.mu.Lock()
	id := models.ID(fmt.Sprint(s.nextRoomID))
	s.nextRoomID++
	rm := &room{
		summary: models.RoomSummary{RoomID: id, RoomName: req.RoomName},
		members: make(map[models.ID]bool),
	}
	for _, e := range req.EmployeeIDs {
		rm.members[e] = true
	}
	s.rooms[id] = rm
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, rm.summary)
}

func (s *Server) handleEmployees(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, r, OpEmployees) {
		return
	}
	s.mu.Lock()
	employees := s.employeeList("")
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, employees)
}

// roomIDs lists room ids in order. Callers hold s.mu.
func (s *Server) roomIDs() []models.ID {
	set := make(map[models.ID]bool, len(s.rooms))
	for id := range s.rooms {
		set[id] = true
	}
	return sortedIDs(set)
}

// employeeList lists employees except the given one. Callers hold s.mu.
func (s *Server) employeeList(except models.ID) []models.Employee {
	set := make(map[models.ID]bool, len(s.employees))
	for id := range s.employees {
		if id != except {
			set[id] = true
		}
	}
	employees := []models.Employee{}
	for _, id := range sortedIDs(set) {
		employees = append(employees, s.employees[id].member)
	}
	return employees
}
