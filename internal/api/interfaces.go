package api

import (
	"context"

	"chat-sync/internal/models"
)

type HistoryFetcher interface {
	History(ctx context.Context, roomID models.ID) ([]models.Message, error)
}

type MessageSender interface {
	Send(ctx context.Context, req *models.SendRequest) (*models.Message, error)
}

type MembershipClient interface {
	Members(ctx context.Context, roomID models.ID) ([]models.Member, error)
	Invite(ctx context.Context, req *models.InviteRequest) error
	Leave(ctx context.Context, req *models.LeaveRequest) error
}

type RoomDirectory interface {
	ListRooms(ctx context.Context, employeeID models.ID) ([]models.RoomSummary, error)
	CreateRoom(ctx context.Context, req *models.CreateRoomRequest) (*models.RoomSummary, error)
	Employees(ctx context.Context) ([]models.Employee, error)
}

type Authenticator interface {
	Login(ctx context.Context, req *models.LoginRequest) (*models.LoginResponse, error)
}

// Backend is every remote call the client makes.
type Backend interface {
	HistoryFetcher
	MessageSender
	MembershipClient
	RoomDirectory
	Authenticator
}
