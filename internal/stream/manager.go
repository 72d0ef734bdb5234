package stream

import (
	"sort"
	"sync"

	"chat-sync/internal/models"
	"chat-sync/pkg/logger"
)

// Manager keeps at most one connection per room.
type Manager struct {
	conns  map[models.ID]*Conn
	mutex  sync.Mutex
	dialer *Dialer
}

func NewManager(d *Dialer) *Manager {
	return &Manager{
		conns:  make(map[models.ID]*Conn),
		dialer: d,
	}
}

// Open connects roomID, closing any connection the room already had.
func (m *Manager) Open(roomID models.ID, h Handlers) *Conn {
	m.mutex.Lock()
	old := m.conns[roomID]
	conn := m.dialer.Open(roomID, h)
	m.conns[roomID] = conn
	m.mutex.Unlock()

	if old != nil {
		old.Close()
		logger.OrGlobal(m.dialer.Log).Debug("Replaced stream for room %s", roomID)
	}
	return conn
}

// Close closes the room's connection. It reports whether one was open.
func (m *Manager) Close(roomID models.ID) bool {
	m.mutex.Lock()
	conn, ok := m.conns[roomID]
	delete(m.conns, roomID)
	m.mutex.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Sync makes the open set equal roomIDs. Rooms with a live connection are
// left alone; rooms no longer wanted are closed. New rooms, and rooms whose
// connection gave up, are opened with handlersFor(room).
func (m *Manager) Sync(roomIDs []models.ID, handlersFor func(models.ID) Handlers) (opened, closed []models.ID) {
	want := make(map[models.ID]bool, len(roomIDs))
	for _, id := range roomIDs {
		want[id] = true
	}

	var stale []*Conn
	m.mutex.Lock()
	for id, conn := range m.conns {
		if !want[id] {
			stale = append(stale, conn)
			closed = append(closed, id)
			delete(m.conns, id)
		}
	}
	for _, id := range roomIDs {
		if conn, ok := m.conns[id]; ok {
			if !conn.State().Terminal() {
				continue
			}
			stale = append(stale, conn)
		}
		m.conns[id] = m.dialer.Open(id, handlersFor(id))
		opened = append(opened, id)
	}
	m.mutex.Unlock()

	for _, conn := range stale {
		conn.Close()
	}
	sortIDs(closed)
	return opened, closed
}

func (m *Manager) CloseAll() {
	m.mutex.Lock()
	conns := m.conns
	m.conns = make(map[models.ID]*Conn)
	m.mutex.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}

func (m *Manager) Get(roomID models.ID) (*Conn, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	conn, ok := m.conns[roomID]
	return conn, ok
}

// Rooms lists the connected rooms in id order.
func (m *Manager) Rooms() []models.ID {
	m.mutex.Lock()
	ids := make([]models.ID, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mutex.Unlock()

	sortIDs(ids)
	return ids
}

// Live lists, in id order, the rooms whose connection has not given up.
func (m *Manager) Live() []models.ID {
	m.mutex.Lock()
	ids := make([]models.ID, 0, len(m.conns))
	for id, conn := range m.conns {
		if !conn.State().Terminal() {
			ids = append(ids, id)
		}
	}
	m.mutex.Unlock()

	sortIDs(ids)
	return ids
}

func (m *Manager) Len() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.conns)
}

func sortIDs(ids []models.ID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
