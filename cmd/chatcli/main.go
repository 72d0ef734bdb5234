// chatcli is a terminal client for the chat backend.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chat-sync/internal/api"
	"chat-sync/internal/auth"
	"chat-sync/internal/config"
	"chat-sync/internal/fanout"
	"chat-sync/internal/models"
	"chat-sync/internal/services"
	"chat-sync/internal/session"
	"chat-sync/internal/stream"
	"chat-sync/pkg/logger"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type app struct {
	cfg     *config.Config
	backend *api.HTTPBackend
	login   *auth.Session
	rooms   *services.RoomService
	dialer  *stream.Dialer
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfg := config.Load()
	logger.Configure(cfg.Log.Level, cfg.IsDevelopment())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		logger.Info("Shutting down...")
		cancel()
	}()

	if cfg.Metrics.Addr != "" {
		go serveMetrics(cfg.Metrics.Addr)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	if cmd == "login" && len(args) == 2 {
		cfg.Credentials.EmployeeID = args[0]
		cfg.Credentials.Password = args[1]
	}

	a, err := connect(ctx, cfg)
	exitOnError(err)
	defer a.login.Logout()

	switch cmd {
	case "login":
		u := a.login.User
		fmt.Printf("Logged in as %s (%s)", u.Name, u.EmployeeID)
		if u.DepartmentName != "" {
			fmt.Printf(" %s / %s", u.DepartmentName, u.LevelName)
		}
		fmt.Println()
		if !a.login.ExpiresAt.IsZero() {
			fmt.Printf("Token expires %s\n", a.login.ExpiresAt.Local().Format(time.RFC1123))
		}
		for _, r := range a.login.Rooms {
			fmt.Printf("  %s  %s\n", r.RoomID, r.RoomName)
		}

	case "rooms":
		f := a.fanout()
		exitOnError(f.Refresh(ctx))
		printRooms(f.Rooms())

	case "watch":
		f := a.fanout()
		f.OnUpdate(func(views []models.RoomView) {
			fmt.Printf("\n--- %s ---\n", time.Now().Format("15:04:05"))
			printRooms(views)
		})
		if err := f.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			exitOnError(err)
		}

	case "chat":
		if len(args) < 1 {
			fmt.Fprintln(os.Stderr, "Usage: chatcli chat <room>")
			os.Exit(1)
		}
		exitOnError(a.chat(ctx, models.ID(args[0])))

	case "history":
		if len(args) < 1 {
			fmt.Fprintln(os.Stderr, "Usage: chatcli history <room>")
			os.Exit(1)
		}
		messages, err := a.backend.History(ctx, models.ID(args[0]))
		exitOnError(err)
		for _, m := range messages {
			printMessage(m)
		}

	case "create":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: chatcli create <name> <employee-id>...")
			os.Exit(1)
		}
		room, err := a.rooms.CreateRoom(ctx, args[0], toIDs(args[1:]))
		exitOnError(err)
		fmt.Printf("Created room %s (%s)\n", room.RoomID, room.RoomName)

	case "employees":
		employees, err := a.rooms.Employees(ctx)
		exitOnError(err)
		for _, e := range employees {
			fmt.Printf("  %-10s %-20s %s %s\n", e.EmployeeID, e.Name, e.DepartmentName, e.LevelName)
		}

	default:
		usage()
		os.Exit(1)
	}
}

// connect logs in and wires the services for the logged-in employee.
func connect(ctx context.Context, cfg *config.Config) (*app, error) {
	if cfg.Credentials.EmployeeID == "" || cfg.Credentials.Password == "" {
		return nil, fmt.Errorf("set CHAT_EMPLOYEE_ID and CHAT_PASSWORD")
	}

	backend := api.NewHTTPBackend(cfg.Server.BaseURL, cfg.Server.RequestTimeout, logger.GlobalLogger)
	login, err := auth.NewService(backend, logger.GlobalLogger).
		Login(ctx, models.ID(cfg.Credentials.EmployeeID), cfg.Credentials.Password)
	if err != nil {
		return nil, err
	}
	if login.Token != "" {
		backend = backend.WithToken(login.Token)
	}

	var transport stream.Transport
	switch cfg.Stream.Transport {
	case config.TransportWebSocket:
		transport = stream.NewWebSocketTransport(backend.BaseURL(), backend.Header(), cfg.Stream.PingInterval, cfg.Stream.ReadTimeout)
	default:
		transport = stream.NewSSETransport(backend.BaseURL(), backend.Header())
	}

	return &app{
		cfg:     cfg,
		backend: backend,
		login:   login,
		rooms:   services.NewRoomService(backend, login.User.EmployeeID, logger.GlobalLogger),
		dialer: &stream.Dialer{
			Transport: transport,
			NewPolicy: stream.BackoffPolicyFactory(cfg.Reconnect),
			Log:       logger.GlobalLogger,
		},
	}, nil
}

func (a *app) fanout() *fanout.Fanout {
	manager := stream.NewManager(a.dialer)
	a.login.OnLogout(manager.CloseAll)
	return fanout.New(a.rooms, a.backend, manager, fanout.Config{Concurrency: a.cfg.Fanout.Concurrency}, logger.GlobalLogger)
}

func (a *app) chat(ctx context.Context, roomID models.ID) error {
	s := session.New(session.Config{
		RoomID:       roomID,
		SelfName:     a.login.User.Name,
		ResyncOnOpen: a.cfg.Stream.ResyncOnOpen,
	}, a.backend, a.rooms, a.dialer, logger.GlobalLogger)
	a.login.OnLogout(s.Deactivate)

	if err := s.Activate(ctx); err != nil {
		return err
	}
	fmt.Printf("Joined room %s with %d members. /members /invite <id>... /leave /quit\n", roomID, len(s.Members()))

	go printUpdates(ctx, s)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := a.handleLine(ctx, s, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

// handleLine runs one line of chat input. It reports whether to leave the
// chat.
func (a *app) handleLine(ctx context.Context, s *session.RoomSession, line string) bool {
	switch {
	case line == "":
		return false

	case line == "/quit":
		return true

	case line == "/members":
		if err := s.RefreshMembers(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "members: %v\n", err)
		}
		for _, m := range s.Members() {
			fmt.Printf("  %s %s\n", m.EmployeeID, m.Name)
		}

	case strings.HasPrefix(line, "/invite"):
		ids := toIDs(strings.Fields(strings.TrimPrefix(line, "/invite")))
		if err := s.InviteMembers(ctx, ids); err != nil {
			fmt.Fprintf(os.Stderr, "invite: %v\n", err)
			return false
		}
		fmt.Printf("Room now has %d members\n", len(s.Members()))

	case line == "/leave":
		if err := s.Leave(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "leave: %v\n", err)
			return false
		}
		fmt.Println("Left the room")
		return true

	default:
		if _, err := s.SendText(ctx, line); err != nil {
			if errors.Is(err, session.ErrSendInFlight) {
				fmt.Fprintln(os.Stderr, "still sending the previous message")
				return false
			}
			fmt.Fprintf(os.Stderr, "send: %v (draft kept)\n", err)
		}
	}
	return false
}

// printUpdates prints messages as the store grows. The store only appends,
// so everything past the last printed index is new.
func printUpdates(ctx context.Context, s *session.RoomSession) {
	printed := 0
	for {
		messages := s.Messages()
		if printed > len(messages) {
			printed = 0
		}
		for _, m := range messages[printed:] {
			printMessage(m)
		}
		printed = len(messages)
		if err := s.Err(); err != nil {
			fmt.Fprintf(os.Stderr, "connection lost: %v\n", err)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-s.Changes():
		}
	}
}

func printMessage(m models.Message) {
	ts := ""
	if !m.CreatedAt.IsZero() {
		ts = m.CreatedAt.Local().Format("2006-01-02 15:04")
	}
	name := m.SenderName
	if name == "" {
		name = m.Sender.String()
	}
	fmt.Printf("[%s] %s: %s\n", ts, name, m.Text)
}

func printRooms(views []models.RoomView) {
	for _, v := range views {
		last := "(no messages)"
		if v.LastMessage != nil {
			last = v.LastMessage.Text
			if len(last) > 40 {
				last = last[:40] + "..."
			}
		}
		fmt.Printf("  %-6s %-20s %2d members  %s\n", v.RoomID, v.RoomName, v.MemberCount(), last)
	}
}

func toIDs(args []string) []models.ID {
	ids := make([]models.ID, 0, len(args))
	for _, a := range args {
		ids = append(ids, models.ID(a))
	}
	return ids
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("Metrics on http://%s/metrics", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		logger.Error("Metrics server error: %v", err)
	}
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `chatcli - terminal chat client

Usage:
  chatcli login [employee-id password]   Log in and list your rooms
  chatcli rooms                          Show the room list once
  chatcli watch                          Keep the room list live
  chatcli chat <room>                    Open a room
  chatcli history <room>                 Print a room's history
  chatcli create <name> <employee-id>... Create a room
  chatcli employees                      List employees

Environment:
  CHAT_BASE_URL, CHAT_EMPLOYEE_ID, CHAT_PASSWORD, CHAT_STREAM_TRANSPORT (sse|websocket),
  RECONNECT_MAX_RETRIES, LOG_LEVEL, METRICS_ADDR`)
}
