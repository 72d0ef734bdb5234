// Package session binds one room's message store to its live stream.
//
// A RoomSession loads the room's history before it subscribes, applies every
// pushed message to the store exactly once, and sends the user's draft with
// at most one request in flight. After every (re)connect it fetches the
// history again so nothing posted while the stream was down is missed.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"chat-sync/internal/api"
	"chat-sync/internal/metrics"
	"chat-sync/internal/models"
	"chat-sync/internal/services"
	"chat-sync/internal/store"
	"chat-sync/internal/stream"
	"chat-sync/internal/syncerr"
	"chat-sync/pkg/logger"
)

var (
	ErrSendInFlight = errors.New("a send is already in flight")
	ErrEmptyDraft   = errors.New("nothing to send")
	ErrInactive     = errors.New("room session is not active")
)

// Backend is what a session needs from the server besides membership.
type Backend interface {
	api.HistoryFetcher
	api.MessageSender
}

// Opener starts stream connections. *stream.Dialer and *stream.Manager
// both satisfy it.
type Opener interface {
	Open(roomID models.ID, h stream.Handlers) *stream.Conn
}

type Config struct {
	RoomID   models.ID
	SelfName string
	// ResyncOnOpen refetches history each time the stream opens.
	ResyncOnOpen bool
}

type RoomSession struct {
	roomID       models.ID
	self         models.ID
	selfName     string
	resyncOnOpen bool

	backend Backend
	rooms   *services.RoomService
	streams Opener
	store   *store.MessageStore
	log     *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	sending atomic.Bool
	changes chan struct{}
	resyncs sync.WaitGroup

	mu          sync.Mutex
	conn        *stream.Conn
	draft       string
	pending     models.ID
	members     []models.Member
	streamErr   error
	deactivated bool
}

func New(cfg Config, backend Backend, rooms *services.RoomService, streams Opener, log *logger.Logger) *RoomSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &RoomSession{
		roomID:       cfg.RoomID,
		self:         rooms.Self(),
		selfName:     cfg.SelfName,
		resyncOnOpen: cfg.ResyncOnOpen,
		backend:      backend,
		rooms:        rooms,
		streams:      streams,
		store:        store.New(),
		log:          logger.OrGlobal(log).With("room", cfg.RoomID.String()),
		ctx:          ctx,
		cancel:       cancel,
		changes:      make(chan struct{}, 1),
	}
}

func (s *RoomSession) RoomID() models.ID {
	return s.roomID
}

// Activate loads the history, then opens the stream. When the history cannot
// be fetched the stream is not opened and a fetch failure is returned.
// Activating an active session replaces its stream.
func (s *RoomSession) Activate(ctx context.Context) error {
	if s.isDeactivated() {
		return ErrInactive
	}

	history, err := s.backend.History(ctx, s.roomID)
	if err != nil {
		return syncerr.Fetch("history", s.roomID, err)
	}

	s.mu.Lock()
	if s.deactivated {
		s.mu.Unlock()
		return ErrInactive
	}
	s.store.LoadInitial(history)
	s.mu.Unlock()
	s.notify()
	s.log.Debug("Loaded %d messages", len(history))

	conn := s.streams.Open(s.roomID, stream.Handlers{
		OnEvent: func(msg models.Message) { s.HandleEvent(msg) },
		OnState: s.onState,
		OnError: s.onStreamError,
	})

	s.mu.Lock()
	old := s.conn
	s.conn = conn
	closed := s.deactivated
	s.mu.Unlock()

	if old != nil && old != conn {
		old.Close()
	}
	if closed {
		conn.Close()
		return ErrInactive
	}

	if err := s.refreshMembers(ctx); err != nil {
		s.log.Warn("Loading members failed: %v", err)
	}
	return nil
}

// HandleEvent applies one pushed message. It reports whether the store
// changed.
func (s *RoomSession) HandleEvent(msg models.Message) bool {
	s.mu.Lock()
	if s.deactivated {
		s.mu.Unlock()
		return false
	}
	if msg.Sender == s.self && msg.ID != "" && msg.ID == s.pending {
		s.mu.Unlock()
		metrics.SelfEchoSkipped.Inc()
		return false
	}
	inserted := s.store.Append(msg)
	s.mu.Unlock()

	if !inserted {
		metrics.DuplicatesDropped.Inc()
		return false
	}
	s.notify()
	return true
}

func (s *RoomSession) SetDraft(text string) {
	s.mu.Lock()
	s.draft = text
	s.mu.Unlock()
}

func (s *RoomSession) Draft() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

// Send posts the current draft. Only one send is in flight at a time; a call
// made meanwhile returns ErrSendInFlight without a request. On failure the
// draft is kept.
func (s *RoomSession) Send(ctx context.Context) (*models.Message, error) {
	if !s.sending.CompareAndSwap(false, true) {
		metrics.Sends.WithLabelValues("suppressed").Inc()
		return nil, ErrSendInFlight
	}
	defer s.sending.Store(false)

	s.mu.Lock()
	text := s.draft
	deactivated := s.deactivated
	s.mu.Unlock()

	if deactivated {
		return nil, ErrInactive
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyDraft
	}

	msg, err := s.backend.Send(ctx, &models.SendRequest{
		Sender:     s.self,
		RoomID:     s.roomID,
		Text:       text,
		SenderName: s.selfName,
	})
	if err != nil {
		metrics.Sends.WithLabelValues("error").Inc()
		s.log.Warn("Send failed: %v", err)
		return nil, syncerr.Send(s.roomID, err)
	}
	metrics.Sends.WithLabelValues("ok").Inc()

	s.mu.Lock()
	s.pending = msg.ID
	if s.draft == text {
		s.draft = ""
	}
	inserted := false
	if !s.deactivated {
		inserted = s.store.Append(*msg)
	}
	s.mu.Unlock()

	if inserted {
		s.notify()
	}
	return msg, nil
}

// SendText replaces the draft with text and sends it.
func (s *RoomSession) SendText(ctx context.Context, text string) (*models.Message, error) {
	if s.sending.Load() {
		metrics.Sends.WithLabelValues("suppressed").Inc()
		return nil, ErrSendInFlight
	}
	s.SetDraft(text)
	return s.Send(ctx)
}

// Deactivate closes the stream. No message is applied to the store once it
// returns. Calling it again is a no-op.
func (s *RoomSession) Deactivate() {
	s.mu.Lock()
	if s.deactivated {
		s.mu.Unlock()
		return
	}
	s.deactivated = true
	conn := s.conn
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		conn.Close()
	}
	s.resyncs.Wait()
	s.log.Debug("Session deactivated")
}

// InviteMembers adds employees to the room and reloads the member list.
func (s *RoomSession) InviteMembers(ctx context.Context, employeeIDs []models.ID) error {
	if err := s.rooms.InviteMembers(ctx, s.roomID, employeeIDs); err != nil {
		return err
	}
	if err := s.refreshMembers(ctx); err != nil {
		s.log.Warn("Reloading members failed: %v", err)
	}
	return nil
}

// Leave removes the current employee from the room and reloads the member
// list. The session stays active until Deactivate.
func (s *RoomSession) Leave(ctx context.Context) error {
	if err := s.rooms.Leave(ctx, s.roomID); err != nil {
		return err
	}
	if err := s.refreshMembers(ctx); err != nil {
		s.log.Warn("Reloading members failed: %v", err)
	}
	return nil
}

// RefreshMembers reloads the member list. On failure the previous list is
// kept.
func (s *RoomSession) RefreshMembers(ctx context.Context) error {
	return s.refreshMembers(ctx)
}

func (s *RoomSession) refreshMembers(ctx context.Context) error {
	members, err := s.rooms.Members(ctx, s.roomID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.members = members
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *RoomSession) Messages() []models.Message {
	return s.store.All()
}

func (s *RoomSession) Members() []models.Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Member(nil), s.members...)
}

// State is the stream state; Closed before Activate.
func (s *RoomSession) State() stream.State {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return stream.Closed
	}
	return conn.State()
}

// Err returns the stream failure once reconnecting has been given up.
func (s *RoomSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamErr
}

// Changes signals after the messages, the members or the stream failure
// changed. Signals coalesce; read the current values after receiving.
func (s *RoomSession) Changes() <-chan struct{} {
	return s.changes
}

func (s *RoomSession) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

func (s *RoomSession) isDeactivated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deactivated
}

func (s *RoomSession) onState(state stream.State) {
	if state != stream.Open || !s.resyncOnOpen {
		return
	}
	s.mu.Lock()
	if s.deactivated {
		s.mu.Unlock()
		return
	}
	s.resyncs.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.resyncs.Done()
		s.resync()
	}()
}

// resync appends whatever the server has that the store does not.
func (s *RoomSession) resync() {
	history, err := s.backend.History(s.ctx, s.roomID)
	if err != nil {
		if s.ctx.Err() == nil {
			s.log.Warn("Catch-up fetch failed: %v", err)
		}
		return
	}

	added := 0
	s.mu.Lock()
	if !s.deactivated {
		for _, msg := range history {
			if s.store.Append(msg) {
				added++
			}
		}
	}
	s.mu.Unlock()

	if added > 0 {
		s.log.Debug("Catch-up added %d messages", added)
		s.notify()
	}
}

func (s *RoomSession) onStreamError(err error) {
	s.log.Error("Stream gave up: %v", err)
	s.mu.Lock()
	s.streamErr = err
	s.mu.Unlock()
	s.notify()
}
