package stream

import (
	"testing"
	"time"

	"chat-sync/internal/models"
)

func TestManagerOpenReplacesExisting(t *testing.T) {
	ft := newFakeTransport()
	m := NewManager(newTestDialer(ft, nil))
	defer m.CloseAll()

	first := &recorder{}
	old := m.Open("7", first.handlers())
	ft.next(t, "7")

	second := &recorder{}
	current := m.Open("7", second.handlers())
	sub := ft.next(t, "7")

	if old.State() != Closed {
		t.Fatalf("replaced connection left %s", old.State())
	}
	if m.Len() != 1 {
		t.Fatalf("expected one connection, got %d", m.Len())
	}
	if got, _ := m.Get("7"); got != current {
		t.Fatal("manager does not hold the replacement")
	}

	sub.push("", message("1"))
	waitFor(t, "event on replacement", func() bool { return len(second.eventIDs()) == 1 })
	if len(first.eventIDs()) != 0 {
		t.Fatal("replaced handlers still receive events")
	}
}

func TestManagerSyncClosesOnlyRemovedRooms(t *testing.T) {
	ft := newFakeTransport()
	m := NewManager(newTestDialer(ft, nil))
	defer m.CloseAll()

	recs := map[models.ID]*recorder{}
	handlersFor := func(id models.ID) Handlers {
		rec := &recorder{}
		recs[id] = rec
		return rec.handlers()
	}

	opened, closed := m.Sync([]models.ID{"1", "2", "3"}, handlersFor)
	if len(opened) != 3 || len(closed) != 0 {
		t.Fatalf("unexpected first sync opened=%v closed=%v", opened, closed)
	}
	subs := map[models.ID]*fakeSub{}
	for _, id := range opened {
		subs[id] = ft.next(t, id)
	}
	conn1, _ := m.Get("1")
	conn2, _ := m.Get("2")
	conn3, _ := m.Get("3")

	opened, closed = m.Sync([]models.ID{"1", "3"}, handlersFor)
	if len(opened) != 0 || len(closed) != 1 || closed[0] != "2" {
		t.Fatalf("unexpected second sync opened=%v closed=%v", opened, closed)
	}
	if conn2.State() != Closed {
		t.Fatalf("removed room left %s", conn2.State())
	}
	if conn1.State() == Closed || conn3.State() == Closed {
		t.Fatal("kept rooms were closed")
	}
	if a, _ := m.Get("1"); a != conn1 {
		t.Fatal("kept room was reopened")
	}

	subs["1"].push("", message("10"))
	subs["3"].push("", message("30"))
	waitFor(t, "events on kept rooms", func() bool {
		return len(recs["1"].eventIDs()) == 1 && len(recs["3"].eventIDs()) == 1
	})

	rooms := m.Rooms()
	if len(rooms) != 2 || rooms[0] != "1" || rooms[1] != "3" {
		t.Fatalf("unexpected rooms %v", rooms)
	}

	opened, _ = m.Sync([]models.ID{"1", "3", "4"}, handlersFor)
	if len(opened) != 1 || opened[0] != "4" {
		t.Fatalf("expected room 4 opened, got %v", opened)
	}
}

func TestManagerCloseAll(t *testing.T) {
	ft := newFakeTransport()
	m := NewManager(newTestDialer(ft, nil))

	a := m.Open("1", Handlers{})
	b := m.Open("2", Handlers{})
	m.CloseAll()

	if a.State() != Closed || b.State() != Closed || m.Len() != 0 {
		t.Fatal("CloseAll left connections open")
	}
	if m.Close("1") {
		t.Fatal("Close reported a connection after CloseAll")
	}
}

func TestManagerSyncReopensFailedRooms(t *testing.T) {
	ft := newFakeTransport()
	ft.alwaysFail = true
	m := NewManager(newTestDialer(ft, func() Policy { return NewImmediatePolicy(1) }))
	defer m.CloseAll()

	m.Sync([]models.ID{"1"}, func(models.ID) Handlers { return Handlers{} })
	failed, _ := m.Get("1")
	select {
	case <-failed.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection never gave up")
	}
	if live := m.Live(); len(live) != 0 {
		t.Fatalf("failed room listed as live: %v", live)
	}
	if rooms := m.Rooms(); len(rooms) != 1 {
		t.Fatalf("failed room dropped before the next sync: %v", rooms)
	}

	ft.mu.Lock()
	ft.alwaysFail = false
	ft.mu.Unlock()

	opened, closed := m.Sync([]models.ID{"1"}, func(models.ID) Handlers { return Handlers{} })
	if len(opened) != 1 || opened[0] != "1" || len(closed) != 0 {
		t.Fatalf("unexpected sync opened=%v closed=%v", opened, closed)
	}
	ft.next(t, "1")
	conn, _ := m.Get("1")
	if conn == failed {
		t.Fatal("failed connection kept")
	}
	waitFor(t, "reopened room open", func() bool { return conn.State() == Open })
	if live := m.Live(); len(live) != 1 || live[0] != "1" {
		t.Fatalf("unexpected live rooms %v", live)
	}
}
