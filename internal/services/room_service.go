package services

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	"chat-sync/internal/api"
	"chat-sync/internal/models"
	"chat-sync/internal/syncerr"
	"chat-sync/pkg/logger"
)

var (
	ErrCreateInFlight   = errors.New("room creation already in progress")
	ErrRoomNameRequired = errors.New("room name is required")
	ErrNoInvitees       = errors.New("no employees to invite")
)

// RoomService validates membership and room requests for one employee before
// handing them to the backend.
type RoomService struct {
	backend  api.Backend
	self     models.ID
	log      *logger.Logger
	creating atomic.Bool
}

func NewRoomService(backend api.Backend, self models.ID, log *logger.Logger) *RoomService {
	return &RoomService{
		backend: backend,
		self:    self,
		log:     logger.OrGlobal(log),
	}
}

func (s *RoomService) Self() models.ID {
	return s.self
}

func (s *RoomService) ListRooms(ctx context.Context) ([]models.RoomSummary, error) {
	rooms, err := s.backend.ListRooms(ctx, s.self)
	if err != nil {
		return nil, syncerr.Fetch("list rooms", "", err)
	}
	return rooms, nil
}

func (s *RoomService) Members(ctx context.Context, roomID models.ID) ([]models.Member, error) {
	members, err := s.backend.Members(ctx, roomID)
	if err != nil {
		return nil, syncerr.Fetch("members", roomID, err)
	}
	return members, nil
}

func (s *RoomService) Employees(ctx context.Context) ([]models.Employee, error) {
	employees, err := s.backend.Employees(ctx)
	if err != nil {
		return nil, syncerr.Fetch("employees", "", err)
	}
	return employees, nil
}

// InviteMembers adds employeeIDs to the room. Blank and repeated ids and the
// current employee are dropped before the request.
func (s *RoomService) InviteMembers(ctx context.Context, roomID models.ID, employeeIDs []models.ID) error {
	ids := s.normalize(employeeIDs, false)
	if len(ids) == 0 {
		return syncerr.Membership("invite", roomID, ErrNoInvitees)
	}

	if err := s.backend.Invite(ctx, &models.InviteRequest{RoomID: roomID, EmployeeIDs: ids}); err != nil {
		return syncerr.Membership("invite", roomID, err)
	}
	s.log.Info("Invited %d employees to room %s", len(ids), roomID)
	return nil
}

func (s *RoomService) Leave(ctx context.Context, roomID models.ID) error {
	if err := s.backend.Leave(ctx, &models.LeaveRequest{RoomID: roomID, EmployeeID: s.self}); err != nil {
		return syncerr.Membership("leave", roomID, err)
	}
	s.log.Info("Employee %s left room %s", s.self, roomID)
	return nil
}

// CreateRoom creates a room with the current employee and employeeIDs as
// members. A second call while one is in flight returns ErrCreateInFlight.
func (s *RoomService) CreateRoom(ctx context.Context, name string, employeeIDs []models.ID) (*models.RoomSummary, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrRoomNameRequired
	}
	ids := s.normalize(employeeIDs, true)
	if len(ids) < 2 {
		return nil, ErrNoInvitees
	}

	if !s.creating.CompareAndSwap(false, true) {
		return nil, ErrCreateInFlight
	}
	defer s.creating.Store(false)

	room, err := s.backend.CreateRoom(ctx, &models.CreateRoomRequest{RoomName: name, EmployeeIDs: ids})
	if err != nil {
		return nil, syncerr.Membership("create room", "", err)
	}
	s.log.Info("Created room %s (%s) with %d members", room.RoomID, room.RoomName, len(ids))
	return room, nil
}

// normalize trims, dedupes and drops self; withSelf puts self first instead.
func (s *RoomService) normalize(employeeIDs []models.ID, withSelf bool) []models.ID {
	seen := map[models.ID]bool{s.self: true}
	var ids []models.ID
	if withSelf {
		ids = append(ids, s.self)
	}
	for _, id := range employeeIDs {
		id = models.ID(strings.TrimSpace(id.String()))
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}
