package store

import (
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"chat-sync/internal/models"
)

func msg(id string, at time.Time) models.Message {
	return models.Message{ID: models.ID(id), RoomID: "7", Sender: "E1", Text: "m" + id, CreatedAt: models.Timestamp{Time: at}}
}

func ids(messages []models.Message) []models.ID {
	out := make([]models.ID, len(messages))
	for i, m := range messages {
		out[i] = m.ID
	}
	return out
}

func TestAppendIsIdempotent(t *testing.T) {
	s := New()
	m := msg("1", time.Now())

	if !s.Append(m) {
		t.Fatal("first append should insert")
	}
	once := s.All()

	if s.Append(m) {
		t.Fatal("second append of the same id should be a no-op")
	}
	if !reflect.DeepEqual(once, s.All()) {
		t.Fatalf("store changed on duplicate append: %v vs %v", once, s.All())
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d", s.Len())
	}
}

func TestAppendKeepsArrivalOrderOverTimestamps(t *testing.T) {
	s := New()
	t0 := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)

	s.Append(msg("2", t1))
	s.Append(msg("1", t0))

	if got := ids(s.All()); !reflect.DeepEqual(got, []models.ID{"2", "1"}) {
		t.Fatalf("order = %v, want [2 1]", got)
	}
}

func TestLoadInitialReplaces(t *testing.T) {
	s := New()
	s.Append(msg("old", time.Now()))

	s.LoadInitial([]models.Message{msg("1", time.Now()), msg("2", time.Now()), msg("1", time.Now())})

	if got := ids(s.All()); !reflect.DeepEqual(got, []models.ID{"1", "2"}) {
		t.Fatalf("content = %v", got)
	}
	if s.Contains("old") {
		t.Fatal("LoadInitial kept content from before")
	}
	if s.Append(msg("2", time.Now())) {
		t.Fatal("ids from the initial batch must deduplicate later appends")
	}
}

func TestAllReturnsACopy(t *testing.T) {
	s := New()
	s.Append(msg("1", time.Now()))

	snapshot := s.All()
	snapshot[0].Text = "mutated"

	if last, _ := s.Last(); last.Text != "m1" {
		t.Fatal("caller mutation leaked into the store")
	}
}

func TestLastOnEmptyStore(t *testing.T) {
	if _, ok := New().Last(); ok {
		t.Fatal("empty store reported a last message")
	}
}

func TestConcurrentDuplicateAppends(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	var mu sync.Mutex
	inserted := 0

	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if s.Append(msg(fmt.Sprint(i), time.Now())) {
					mu.Lock()
					inserted++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	if inserted != 50 || s.Len() != 50 {
		t.Fatalf("inserted=%d len=%d, want 50", inserted, s.Len())
	}
}
