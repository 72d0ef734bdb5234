// Package fanout keeps the room list live.
//
// A Fanout holds one stream connection per listed room. Any message on any
// of them schedules a full refresh of the list: the rooms, each room's latest
// message and its members, sorted by most recent activity.
package fanout

import (
	"context"
	"sort"
	"sync"
	"time"

	"chat-sync/internal/api"
	"chat-sync/internal/metrics"
	"chat-sync/internal/models"
	"chat-sync/internal/services"
	"chat-sync/internal/stream"
	"chat-sync/internal/syncerr"
	"chat-sync/pkg/logger"

	"golang.org/x/sync/errgroup"
)

type Config struct {
	// Concurrency bounds the per-room fetches of one refresh.
	Concurrency int
}

type Fanout struct {
	rooms       *services.RoomService
	history     api.HistoryFetcher
	manager     *stream.Manager
	concurrency int
	log         *logger.Logger

	trigger   chan struct{}
	refreshMu sync.Mutex

	mu       sync.Mutex
	snapshot []models.RoomView
	onUpdate func([]models.RoomView)
}

func New(rooms *services.RoomService, history api.HistoryFetcher, manager *stream.Manager, cfg Config, log *logger.Logger) *Fanout {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Fanout{
		rooms:       rooms,
		history:     history,
		manager:     manager,
		concurrency: concurrency,
		log:         logger.OrGlobal(log),
		trigger:     make(chan struct{}, 1),
	}
}

// OnUpdate sets the function that receives every new snapshot.
func (f *Fanout) OnUpdate(fn func([]models.RoomView)) {
	f.mu.Lock()
	f.onUpdate = fn
	f.mu.Unlock()
}

// Run refreshes once, then again after room events until ctx is done. Every
// connection is closed before it returns.
func (f *Fanout) Run(ctx context.Context) error {
	defer f.manager.CloseAll()

	if err := f.Refresh(ctx); err != nil {
		f.log.Error("Initial room list refresh failed: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.trigger:
			if err := f.Refresh(ctx); err != nil && ctx.Err() == nil {
				f.log.Error("Room list refresh failed: %v", err)
			}
		}
	}
}

// Refresh rebuilds the room list and connects exactly the listed rooms. On
// failure the previous list and connections are kept.
func (f *Fanout) Refresh(ctx context.Context) error {
	f.refreshMu.Lock()
	defer f.refreshMu.Unlock()

	start := time.Now()
	views, err := f.load(ctx)
	metrics.ListRefreshDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ListRefreshes.WithLabelValues("error").Inc()
		return err
	}
	metrics.ListRefreshes.WithLabelValues("ok").Inc()

	ids := make([]models.ID, len(views))
	for i, v := range views {
		ids[i] = v.RoomID
	}
	opened, closed := f.manager.Sync(ids, f.handlersFor)
	if len(opened) > 0 || len(closed) > 0 {
		f.log.Debug("Room streams opened %v closed %v", opened, closed)
	}

	f.mu.Lock()
	f.snapshot = views
	onUpdate := f.onUpdate
	f.mu.Unlock()

	if onUpdate != nil {
		onUpdate(copyViews(views))
	}
	return nil
}

func (f *Fanout) load(ctx context.Context) ([]models.RoomView, error) {
	rooms, err := f.rooms.ListRooms(ctx)
	if err != nil {
		return nil, err
	}

	views := make([]models.RoomView, len(rooms))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	for i, room := range rooms {
		i, room := i, room
		g.Go(func() error {
			history, err := f.history.History(gctx, room.RoomID)
			if err != nil {
				return syncerr.Fetch("latest message", room.RoomID, err)
			}
			members, err := f.rooms.Members(gctx, room.RoomID)
			if err != nil {
				return err
			}

			view := models.RoomView{RoomSummary: room, Members: members}
			if n := len(history); n > 0 {
				last := history[n-1]
				view.LastMessage = &last
			}
			views[i] = view
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	SortByActivity(views)
	return views, nil
}

func (f *Fanout) handlersFor(roomID models.ID) stream.Handlers {
	return stream.Handlers{
		OnEvent: func(models.Message) { f.schedule() },
		// The next refresh reopens a room whose stream gave up.
		OnError: func(err error) {
			f.log.Error("Room %s stream gave up: %v", roomID, err)
			f.schedule()
		},
	}
}

// schedule asks Run for a refresh. Requests made while one is pending are
// merged into it.
func (f *Fanout) schedule() {
	select {
	case f.trigger <- struct{}{}:
	default:
	}
}

// Rooms returns the last successful snapshot.
func (f *Fanout) Rooms() []models.RoomView {
	f.mu.Lock()
	defer f.mu.Unlock()
	return copyViews(f.snapshot)
}

// Connected lists the rooms whose stream connection is still live.
func (f *Fanout) Connected() []models.ID {
	return f.manager.Live()
}

// SortByActivity orders rooms by their latest message, newest first. Rooms
// without messages go last; ties keep their order.
func SortByActivity(views []models.RoomView) {
	sort.SliceStable(views, func(i, j int) bool {
		return lastActivity(views[i]).After(lastActivity(views[j]))
	})
}

func lastActivity(v models.RoomView) time.Time {
	if v.LastMessage == nil {
		return time.Time{}
	}
	return v.LastMessage.CreatedAt.Time
}

func copyViews(views []models.RoomView) []models.RoomView {
	if views == nil {
		return nil
	}
	return append([]models.RoomView(nil), views...)
}
