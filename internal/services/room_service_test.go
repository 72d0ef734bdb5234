package services_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"chat-sync/internal/api"
	"chat-sync/internal/models"
	"chat-sync/internal/services"
	"chat-sync/internal/syncerr"
	"chat-sync/internal/testserver"
	"chat-sync/pkg/logger"
)

func setup(t *testing.T) (*testserver.Server, *services.RoomService) {
	t.Helper()
	srv := testserver.New(t)
	srv.AddEmployee("E1", "Alice", "pw")
	srv.AddEmployee("E2", "Bob", "pw")
	srv.AddEmployee("E3", "Carol", "pw")
	srv.AddRoom("1", "general", "E1", "E2")
	srv.AddRoom("2", "random", "E2")

	backend := api.NewHTTPBackend(srv.URL, 5*time.Second, logger.Nop())
	return srv, services.NewRoomService(backend, "E1", logger.Nop())
}

func TestListRoomsReturnsOnlyJoinedRooms(t *testing.T) {
	_, svc := setup(t)

	rooms, err := svc.ListRooms(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(rooms) != 1 || rooms[0].RoomID != "1" || rooms[0].RoomName != "general" {
		t.Fatalf("unexpected rooms %+v", rooms)
	}
}

func TestListRoomsFailureIsFetchFailure(t *testing.T) {
	srv, svc := setup(t)
	srv.FailNext(testserver.OpList, http.StatusBadGateway)

	_, err := svc.ListRooms(context.Background())
	if !syncerr.IsKind(err, syncerr.KindFetch) {
		t.Fatalf("expected fetch failure, got %v", err)
	}
}

func TestInviteMembersNormalizesIDs(t *testing.T) {
	srv, svc := setup(t)

	err := svc.InviteMembers(context.Background(), "1", []models.ID{" E3 ", "E3", "", "E1"})
	if err != nil {
		t.Fatal(err)
	}
	if !srv.IsMember("1", "E3") {
		t.Fatal("E3 was not invited")
	}

	err = svc.InviteMembers(context.Background(), "1", []models.ID{"E1", ""})
	if !errors.Is(err, services.ErrNoInvitees) || !syncerr.IsKind(err, syncerr.KindMembership) {
		t.Fatalf("expected ErrNoInvitees, got %v", err)
	}
	if n := srv.Requests(testserver.OpInvite); n != 1 {
		t.Fatalf("expected one invite request, got %d", n)
	}
}

func TestLeaveRejected(t *testing.T) {
	_, svc := setup(t)

	err := svc.Leave(context.Background(), "2")
	if !syncerr.IsKind(err, syncerr.KindMembership) {
		t.Fatalf("expected membership failure, got %v", err)
	}
	var status *api.StatusError
	if !errors.As(err, &status) || status.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", err)
	}
}

func TestCreateRoomIncludesCreator(t *testing.T) {
	srv, svc := setup(t)

	room, err := svc.CreateRoom(context.Background(), "  design  ", []models.ID{"E2", "E2"})
	if err != nil {
		t.Fatal(err)
	}
	if room.RoomName != "design" {
		t.Fatalf("unexpected room %+v", room)
	}
	if !srv.IsMember(room.RoomID, "E1") || !srv.IsMember(room.RoomID, "E2") {
		t.Fatal("creator or invitee missing from new room")
	}
}

func TestCreateRoomValidation(t *testing.T) {
	srv, svc := setup(t)

	if _, err := svc.CreateRoom(context.Background(), " ", []models.ID{"E2"}); !errors.Is(err, services.ErrRoomNameRequired) {
		t.Fatalf("expected ErrRoomNameRequired, got %v", err)
	}
	if _, err := svc.CreateRoom(context.Background(), "solo", []models.ID{"E1"}); !errors.Is(err, services.ErrNoInvitees) {
		t.Fatalf("expected ErrNoInvitees, got %v", err)
	}
	if n := srv.Requests(testserver.OpCreate); n != 0 {
		t.Fatalf("invalid requests reached the server: %d", n)
	}
}

func TestCreateRoomSingleFlight(t *testing.T) {
	srv, svc := setup(t)
	release := srv.Hold(testserver.OpCreate)
	defer release()

	done := make(chan error, 1)
	go func() {
		_, err := svc.CreateRoom(context.Background(), "one", []models.ID{"E2"})
		done <- err
	}()
	testserver.Eventually(t, "create in flight", func() bool { return srv.Requests(testserver.OpCreate) == 1 })

	if _, err := svc.CreateRoom(context.Background(), "one", []models.ID{"E2"}); !errors.Is(err, services.ErrCreateInFlight) {
		t.Fatalf("expected ErrCreateInFlight, got %v", err)
	}

	release()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if n := srv.Requests(testserver.OpCreate); n != 1 {
		t.Fatalf("expected one create request, got %d", n)
	}
}

func TestEmployeesAndMembers(t *testing.T) {
	_, svc := setup(t)

	employees, err := svc.Employees(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(employees) != 3 {
		t.Fatalf("expected 3 employees, got %+v", employees)
	}

	members, err := svc.Members(context.Background(), "1")
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 2 || members[0].Name != "Alice" {
		t.Fatalf("unexpected members %+v", members)
	}

	if _, err := svc.Members(context.Background(), "404"); !syncerr.IsKind(err, syncerr.KindFetch) {
		t.Fatalf("expected fetch failure, got %v", err)
	}
}
