package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"chat-sync/internal/api"
	"chat-sync/internal/models"
	"chat-sync/pkg/logger"

	"github.com/golang-jwt/jwt/v5"
)

type Service struct {
	auth api.Authenticator
	log  *logger.Logger
}

func NewService(auth api.Authenticator, log *logger.Logger) *Service {
	return &Service{
		auth: auth,
		log:  logger.OrGlobal(log),
	}
}

// Session is what a login leaves behind: who is logged in, what they may
// open, and what has to be torn down on logout.
type Session struct {
	User      models.Member
	Token     string
	ExpiresAt time.Time
	Rooms     []models.RoomSummary
	Employees []models.Employee

	mu       sync.Mutex
	cleanups []func()
	done     bool
}

func (s *Service) Login(ctx context.Context, employeeID models.ID, password string) (*Session, error) {
	employeeID = models.ID(strings.TrimSpace(employeeID.String()))
	if employeeID == "" || password == "" {
		return nil, fmt.Errorf("employee id and password are required")
	}

	resp, err := s.auth.Login(ctx, &models.LoginRequest{EmployeeID: employeeID, Password: password})
	if err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}

	session := &Session{
		User: models.Member{
			EmployeeID:     resp.EmployeeID,
			Name:           resp.Name,
			DepartmentName: resp.Department,
			LevelName:      resp.Level,
		},
		Token:     resp.Token,
		Rooms:     resp.ChatRooms,
		Employees: resp.Employees,
	}
	if session.User.EmployeeID == "" {
		session.User.EmployeeID = employeeID
	}

	if resp.Token != "" {
		expiresAt, err := tokenExpiry(resp.Token)
		if err != nil {
			s.log.Warn("Could not read token expiry: %v", err)
		} else {
			session.ExpiresAt = expiresAt
		}
	}

	s.log.Info("Employee %s logged in with %d rooms", session.User.EmployeeID, len(session.Rooms))
	return session, nil
}

// tokenExpiry reads the exp claim. The signature is not checked here; the
// server checks it on every request.
func tokenExpiry(tokenString string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return time.Time{}, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, err
	}
	if exp == nil {
		return time.Time{}, nil
	}
	return exp.Time, nil
}

// OnLogout registers fn to run on Logout. Registered after Logout, fn runs
// immediately.
func (s *Session) OnLogout(fn func()) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		fn()
		return
	}
	s.cleanups = append(s.cleanups, fn)
	s.mu.Unlock()
}

// Logout runs the registered cleanups once, most recent first.
func (s *Session) Logout() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	cleanups := s.cleanups
	s.cleanups = nil
	s.mu.Unlock()

	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
}

// Expired reports whether the token has expired at now. Sessions without an
// expiry never expire.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}
