package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"chat-sync/internal/metrics"
	"chat-sync/internal/models"
	"chat-sync/internal/syncerr"
	"chat-sync/pkg/logger"

	dto "github.com/prometheus/client_model/go"
)

type fakeSub struct {
	events    chan Event
	fail      chan error
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeSub() *fakeSub {
	return &fakeSub{
		events: make(chan Event, 16),
		fail:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (s *fakeSub) Next() (Event, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	case err := <-s.fail:
		return Event{}, err
	case <-s.closed:
		return Event{}, io.EOF
	}
}

func (s *fakeSub) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSub) push(id string, payload string) {
	s.events <- Event{ID: id, Data: []byte(payload)}
}

type fakeTransport struct {
	mu          sync.Mutex
	subs        map[models.ID]chan *fakeSub
	lastIDs     []string
	failures    int
	alwaysFail  bool
	subscribeAt []time.Time
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{subs: make(map[models.ID]chan *fakeSub)}
}

func (t *fakeTransport) queue(roomID models.ID) chan *fakeSub {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.subs[roomID]
	if !ok {
		q = make(chan *fakeSub, 16)
		t.subs[roomID] = q
	}
	return q
}

func (t *fakeTransport) Subscribe(ctx context.Context, roomID models.ID, lastEventID string) (Subscription, error) {
	t.mu.Lock()
	t.lastIDs = append(t.lastIDs, lastEventID)
	t.subscribeAt = append(t.subscribeAt, time.Now())
	if t.alwaysFail || t.failures > 0 {
		if t.failures > 0 {
			t.failures--
		}
		t.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	t.mu.Unlock()

	sub := newFakeSub()
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.closed:
		}
	}()
	t.queue(roomID) <- sub
	return sub, nil
}

func (t *fakeTransport) attempts() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.lastIDs...)
}

// next waits for the next subscription of roomID.
func (t *fakeTransport) next(tb testing.TB, roomID models.ID) *fakeSub {
	tb.Helper()
	select {
	case sub := <-t.queue(roomID):
		return sub
	case <-time.After(2 * time.Second):
		tb.Fatalf("no subscription for room %s", roomID)
		return nil
	}
}

type recorder struct {
	mu     sync.Mutex
	events []models.Message
	states []State
	errs   []error
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnEvent: func(m models.Message) {
			r.mu.Lock()
			r.events = append(r.events, m)
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
		OnState: func(s State) {
			r.mu.Lock()
			r.states = append(r.states, s)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) eventIDs() []models.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]models.ID, len(r.events))
	for i, m := range r.events {
		ids[i] = m.ID
	}
	return ids
}

func (r *recorder) stateList() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func message(id string) string {
	return fmt.Sprintf(`{"id":%q,"roomNum":"7","sender":"E2","msg":"m%s"}`, id, id)
}

func newTestDialer(ft *fakeTransport, policy PolicyFactory) *Dialer {
	return &Dialer{Transport: ft, NewPolicy: policy, Log: logger.Nop()}
}

func TestConnDeliversEventsInTransportOrder(t *testing.T) {
	ft := newFakeTransport()
	rec := &recorder{}
	conn := newTestDialer(ft, nil).Open("7", rec.handlers())
	defer conn.Close()

	sub := ft.next(t, "7")
	sub.push("", message("3"))
	sub.push("", message("1"))
	sub.push("", message("2"))

	waitFor(t, "three events", func() bool { return len(rec.eventIDs()) == 3 })
	got := rec.eventIDs()
	if got[0] != "3" || got[1] != "1" || got[2] != "2" {
		t.Fatalf("events out of order: %v", got)
	}
	if conn.State() != Open {
		t.Fatalf("expected open, got %s", conn.State())
	}
}

func TestConnReconnectsAfterTransportError(t *testing.T) {
	ft := newFakeTransport()
	rec := &recorder{}
	conn := newTestDialer(ft, nil).Open("7", rec.handlers())
	defer conn.Close()

	first := ft.next(t, "7")
	first.push("ev-1", message("1"))
	waitFor(t, "first event", func() bool { return len(rec.eventIDs()) == 1 })

	first.fail <- errors.New("connection reset")

	second := ft.next(t, "7")
	second.push("ev-2", message("2"))
	waitFor(t, "event after reconnect", func() bool { return len(rec.eventIDs()) == 2 })

	attempts := ft.attempts()
	if len(attempts) != 2 || attempts[0] != "" || attempts[1] != "ev-1" {
		t.Fatalf("expected reconnect to resume from ev-1, got %q", attempts)
	}

	states := rec.stateList()
	want := []State{Connecting, Open, Errored, Connecting, Open}
	if len(states) < len(want) {
		t.Fatalf("expected states %v, got %v", want, states)
	}
	for i, s := range want {
		if states[i] != s {
			t.Fatalf("expected states %v, got %v", want, states)
		}
	}
	if errs := rec.errors(); len(errs) != 0 {
		t.Fatalf("transient failure surfaced: %v", errs)
	}
}

func TestConnCloseStopsDelivery(t *testing.T) {
	ft := newFakeTransport()
	rec := &recorder{}
	conn := newTestDialer(ft, nil).Open("7", rec.handlers())

	sub := ft.next(t, "7")
	sub.push("", message("1"))
	waitFor(t, "first event", func() bool { return len(rec.eventIDs()) == 1 })

	conn.Close()
	conn.Close()

	select {
	case sub.events <- Event{Data: []byte(message("2"))}:
	default:
	}

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection goroutine did not exit")
	}
	time.Sleep(20 * time.Millisecond)

	if got := rec.eventIDs(); len(got) != 1 {
		t.Fatalf("event delivered after close: %v", got)
	}
	if conn.State() != Closed {
		t.Fatalf("expected closed, got %s", conn.State())
	}
	if len(ft.attempts()) != 1 {
		t.Fatalf("closed connection reconnected: %v", ft.attempts())
	}
}

func TestConnPermanentlyFailsWhenPolicyGivesUp(t *testing.T) {
	ft := newFakeTransport()
	ft.alwaysFail = true
	rec := &recorder{}
	conn := newTestDialer(ft, func() Policy { return NewImmediatePolicy(2) }).Open("9", rec.handlers())
	defer conn.Close()

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection never gave up")
	}

	if conn.State() != PermanentlyFailed {
		t.Fatalf("expected permanently failed, got %s", conn.State())
	}
	if n := len(ft.attempts()); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
	errs := rec.errors()
	if len(errs) != 1 {
		t.Fatalf("expected one error, got %v", errs)
	}
	if !errors.Is(errs[0], ErrPermanentlyFailed) || !syncerr.IsKind(errs[0], syncerr.KindStream) {
		t.Fatalf("unexpected error %v", errs[0])
	}
}

func TestConnCloseKeepsPermanentFailure(t *testing.T) {
	before := openStreams(t)
	ft := newFakeTransport()
	ft.alwaysFail = true
	rec := &recorder{}
	conn := newTestDialer(ft, func() Policy { return NewImmediatePolicy(1) }).Open("9", rec.handlers())

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection never gave up")
	}
	waitFor(t, "open stream gauge released", func() bool { return openStreams(t) <= before })

	conn.Close()
	if conn.State() != PermanentlyFailed {
		t.Fatalf("close overrode permanent failure: %s", conn.State())
	}
	states := rec.stateList()
	if last := states[len(states)-1]; last != PermanentlyFailed {
		t.Fatalf("unexpected state after close %s in %v", last, states)
	}
}

func openStreams(t *testing.T) float64 {
	t.Helper()
	var m dto.Metric
	if err := metrics.OpenStreams.Write(&m); err != nil {
		t.Fatal(err)
	}
	return m.GetGauge().GetValue()
}

func TestConnSkipsMalformedPayloads(t *testing.T) {
	ft := newFakeTransport()
	rec := &recorder{}
	conn := newTestDialer(ft, nil).Open("7", rec.handlers())
	defer conn.Close()

	sub := ft.next(t, "7")
	sub.push("", `not json`)
	sub.push("", `{"msg":"no id"}`)
	sub.push("", message("5"))

	waitFor(t, "valid event", func() bool { return len(rec.eventIDs()) == 1 })
	if got := rec.eventIDs(); got[0] != "5" {
		t.Fatalf("unexpected events %v", got)
	}
	if conn.State() != Open {
		t.Fatalf("malformed payload broke the connection: %s", conn.State())
	}
}

func TestConnResetsPolicyAfterDelivery(t *testing.T) {
	ft := newFakeTransport()
	rec := &recorder{}
	conn := newTestDialer(ft, func() Policy { return NewImmediatePolicy(1) }).Open("7", rec.handlers())
	defer conn.Close()

	// Each subscription delivers before dropping, so the single retry is
	// never used up.
	for i := 1; i <= 3; i++ {
		sub := ft.next(t, "7")
		sub.push("", message(fmt.Sprint(i)))
		waitFor(t, "event", func() bool { return len(rec.eventIDs()) == i })
		sub.fail <- errors.New("dropped")
	}
	ft.next(t, "7")

	if conn.State().Terminal() {
		t.Fatalf("connection gave up: %s", conn.State())
	}
}
