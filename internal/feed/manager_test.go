package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/helpdesk/backend/internal/apperr"
	"github.com/example/helpdesk/backend/internal/backend"
	"github.com/example/helpdesk/backend/internal/identity"
	"github.com/example/helpdesk/backend/internal/models"
	"github.com/example/helpdesk/backend/internal/repository"
)

var errOffline = apperr.Unavailable(errors.New("network unreachable"))

// flakyStore wraps Memory with switchable failures and bookkeeping of live subscriptions.
type flakyStore struct {
	*backend.Memory

	mu            sync.Mutex
	subscribes    int
	active        int
	failSubscribe bool
	failQuery     bool
	live          map[int]backend.ErrorFunc
	nextLive      int
}

func newFlakyStore() *flakyStore {
	return &flakyStore{Memory: backend.NewMemory(), live: make(map[int]backend.ErrorFunc)}
}

func (s *flakyStore) Subscribe(ctx context.Context, collection string, q backend.Query, onChange backend.ChangeFunc, onError backend.ErrorFunc) (backend.CancelFunc, error) {
	s.mu.Lock()
	s.subscribes++
	if s.failSubscribe {
		s.mu.Unlock()
		return nil, errOffline
	}
	s.nextLive++
	id := s.nextLive
	s.live[id] = onError
	s.active++
	s.mu.Unlock()

	cancel, err := s.Memory.Subscribe(ctx, collection, q, onChange, onError)
	if err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			s.mu.Lock()
			delete(s.live, id)
			s.active--
			s.mu.Unlock()
		})
	}, nil
}

func (s *flakyStore) Query(ctx context.Context, collection string, q backend.Query) ([]backend.Document, error) {
	s.mu.Lock()
	fail := s.failQuery
	s.mu.Unlock()
	if fail {
		return nil, errOffline
	}
	return s.Memory.Query(ctx, collection, q)
}

// breakLive fails every open transport.
func (s *flakyStore) breakLive() {
	s.mu.Lock()
	fns := make([]backend.ErrorFunc, 0, len(s.live))
	for _, fn := range s.live {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(errOffline)
	}
}

func (s *flakyStore) set(fn func(s *flakyStore)) {
	s.mu.Lock()
	fn(s)
	s.mu.Unlock()
}

func (s *flakyStore) counts() (subscribes, active int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribes, s.active
}

// collector records snapshots handed to a consumer.
type collector struct {
	mu        sync.Mutex
	snapshots [][]models.Ticket
}

func (c *collector) onData(tickets []models.Ticket) {
	c.mu.Lock()
	c.snapshots = append(c.snapshots, tickets)
	c.mu.Unlock()
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.snapshots)
}

func (c *collector) last() ([]models.Ticket, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.snapshots) == 0 {
		return nil, false
	}
	return c.snapshots[len(c.snapshots)-1], true
}

func eventually(t *testing.T, what string, cond func() bool) {
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

func createTicket(t *testing.T, store backend.Facade, uid, title string) string {
	t.Helper()
	repo := repository.NewTicketRepository(store)
	id, err := repo.Create(context.Background(), &identity.Identity{UID: uid, DisplayName: uid}, models.TicketDraft{
		Title:       title,
		Description: "details",
		Category:    models.CategoryBugReport,
		Priority:    models.PriorityMedium,
	})
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	return id
}

func TestSubscribeDeliversLiveUpdates(t *testing.T) {
	t.Parallel()

	store := newFlakyStore()
	m := NewManager(store, 3)
	defer m.Close()

	var c collector
	sub, err := m.Subscribe(context.Background(), Self("u1"), c.onData)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Cancel()
	if sub.Mode() != ModePush {
		t.Fatalf("mode = %s, want push", sub.Mode())
	}
	eventually(t, "initial snapshot", func() bool { return c.count() >= 1 })

	createTicket(t, store, "u2", "someone else's")
	createTicket(t, store, "u1", "mine")
	eventually(t, "own ticket", func() bool {
		last, _ := c.last()
		return len(last) == 1 && last[0].Title == "mine"
	})
}

func TestConsumersShareOneTransport(t *testing.T) {
	t.Parallel()

	store := newFlakyStore()
	m := NewManager(store, 3)
	defer m.Close()

	var a, b collector
	subA, err := m.Subscribe(context.Background(), All(), a.onData)
	if err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	subB, err := m.Subscribe(context.Background(), All(), b.onData)
	if err != nil {
		t.Fatalf("subscribe b: %v", err)
	}
	if n, active := store.counts(); n != 1 || active != 1 {
		t.Fatalf("subscribes=%d active=%d, want one shared transport", n, active)
	}

	createTicket(t, store, "u1", "shared")
	eventually(t, "both consumers updated", func() bool {
		la, _ := a.last()
		lb, _ := b.last()
		return len(la) == 1 && len(lb) == 1
	})

	subA.Cancel()
	if _, active := store.counts(); active != 1 {
		t.Errorf("transport closed while a consumer remains")
	}
	subA.Cancel()
	subB.Cancel()
	if _, active := store.counts(); active != 0 {
		t.Errorf("transport still open after last consumer left")
	}
	select {
	case <-subB.Done():
	default:
		t.Error("cancelled subscription not done")
	}
}

func TestLateConsumerGetsLatestSnapshot(t *testing.T) {
	t.Parallel()

	store := newFlakyStore()
	createTicket(t, store, "u1", "existing")
	m := NewManager(store, 3)
	defer m.Close()

	var first collector
	sub, _ := m.Subscribe(context.Background(), Self("u1"), first.onData)
	defer sub.Cancel()
	eventually(t, "initial snapshot", func() bool { return first.count() >= 1 })

	var late collector
	lateSub, err := m.Subscribe(context.Background(), Self("u1"), late.onData)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer lateSub.Cancel()
	last, ok := late.last()
	if !ok || len(last) != 1 || last[0].Title != "existing" {
		t.Errorf("late consumer got %v, want replay of the latest snapshot", last)
	}
}

func TestCancelOnContextDone(t *testing.T) {
	t.Parallel()

	store := newFlakyStore()
	m := NewManager(store, 3)
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var c collector
	sub, err := m.Subscribe(ctx, All(), c.onData)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	eventually(t, "subscription done", func() bool {
		select {
		case <-sub.Done():
			return true
		default:
			return false
		}
	})
	if _, active := store.counts(); active != 0 {
		t.Error("transport still open after context cancel")
	}
}

func TestDegradesToPollAfterThreshold(t *testing.T) {
	t.Parallel()

	store := newFlakyStore()
	createTicket(t, store, "u1", "visible")
	store.set(func(s *flakyStore) { s.failSubscribe = true })
	m := NewManager(store, 3)
	defer m.Close()

	for i := 1; i <= 3; i++ {
		var c collector
		sub, err := m.Subscribe(context.Background(), Self("u1"), c.onData)
		if err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
		last, ok := c.last()
		if !ok || len(last) != 1 {
			t.Errorf("attempt %d: fallback pull delivered %v", i, last)
		}
		select {
		case <-sub.Done():
		default:
			t.Errorf("attempt %d: failed subscription not done", i)
		}
		if h := m.Health(ScopeSelf); h.Failures != i {
			t.Errorf("attempt %d: failures = %d", i, h.Failures)
		}
	}
	if h := m.Health(ScopeSelf); h.Mode != ModePoll {
		t.Fatalf("mode after 3 failures = %s, want poll", h.Mode)
	}

	store.set(func(s *flakyStore) { s.failSubscribe = false })
	var c collector
	sub, err := m.Subscribe(context.Background(), Self("u1"), c.onData)
	if err != nil {
		t.Fatalf("poll subscribe: %v", err)
	}
	if sub.Mode() != ModePoll {
		t.Errorf("mode = %s, want poll", sub.Mode())
	}
	if n, _ := store.counts(); n != 3 {
		t.Errorf("push attempts = %d, want no attempts beyond the third", n)
	}
	if last, _ := c.last(); len(last) != 1 {
		t.Errorf("poll subscribe delivered %v", last)
	}
	sub.Cancel()

	var refreshed collector
	if err := m.Refresh(context.Background(), Self("u1"), refreshed.onData); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if refreshed.count() != 1 {
		t.Errorf("refresh deliveries = %d", refreshed.count())
	}

	m.ReEnable()
	if h := m.Health(ScopeSelf); h.Mode != ModePush || h.Failures != 0 {
		t.Errorf("health after re-enable = %+v", h)
	}
	sub, err = m.Subscribe(context.Background(), Self("u1"), c.onData)
	if err != nil {
		t.Fatalf("subscribe after re-enable: %v", err)
	}
	defer sub.Cancel()
	if sub.Mode() != ModePush {
		t.Errorf("mode after re-enable = %s, want push", sub.Mode())
	}
	if n, _ := store.counts(); n != 4 {
		t.Errorf("push attempts = %d, want a new push attempt", n)
	}
}

func TestFailedFallbackDeliversEmpty(t *testing.T) {
	t.Parallel()

	store := newFlakyStore()
	createTicket(t, store, "u1", "hidden")
	store.set(func(s *flakyStore) {
		s.failSubscribe = true
		s.failQuery = true
	})
	m := NewManager(store, 3)
	defer m.Close()

	var c collector
	if _, err := m.Subscribe(context.Background(), All(), c.onData); err != nil {
		t.Fatalf("subscribe must not surface feed failures: %v", err)
	}
	last, ok := c.last()
	if !ok {
		t.Fatal("no delivery after failed fallback")
	}
	if last == nil || len(last) != 0 {
		t.Errorf("fallback delivered %v, want empty list", last)
	}

	var r collector
	_ = m.Refresh(context.Background(), All(), r.onData)
	if last, _ := r.last(); last == nil || len(last) != 0 {
		t.Errorf("failed refresh delivered %v, want empty list", last)
	}
}

func TestScopeClassesDegradeIndependently(t *testing.T) {
	t.Parallel()

	store := newFlakyStore()
	store.set(func(s *flakyStore) { s.failSubscribe = true })
	m := NewManager(store, 3)
	defer m.Close()

	var c collector
	for i := 0; i < 3; i++ {
		_, _ = m.Subscribe(context.Background(), All(), c.onData)
	}
	if h := m.Health(ScopeAll); h.Mode != ModePoll {
		t.Fatalf("all-scope mode = %s, want poll", h.Mode)
	}
	if h := m.Health(ScopeSelf); h.Mode != ModePush || h.Failures != 0 {
		t.Errorf("self-scope health = %+v, want untouched", h)
	}

	store.set(func(s *flakyStore) { s.failSubscribe = false })
	sub, err := m.Subscribe(context.Background(), Self("u1"), c.onData)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Cancel()
	if sub.Mode() != ModePush {
		t.Errorf("self scope should still use push, got %s", sub.Mode())
	}
}

func TestTransportFailureFallsBackOnce(t *testing.T) {
	t.Parallel()

	store := newFlakyStore()
	createTicket(t, store, "u1", "one")
	m := NewManager(store, 3)
	defer m.Close()

	var c collector
	sub, err := m.Subscribe(context.Background(), All(), c.onData)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	eventually(t, "initial snapshot", func() bool { return c.count() >= 1 })
	before := c.count()

	store.breakLive()
	<-sub.Done()
	if c.count() != before+1 {
		t.Errorf("deliveries after failure = %d, want exactly one fallback", c.count()-before)
	}
	if h := m.Health(ScopeAll); h.Failures != 1 || h.Mode != ModePush {
		t.Errorf("health = %+v", h)
	}
	if n, active := store.counts(); n != 1 || active != 0 {
		t.Errorf("subscribes=%d active=%d, broken transport must not be reopened", n, active)
	}

	createTicket(t, store, "u1", "two")
	time.Sleep(50 * time.Millisecond)
	if last, _ := c.last(); len(last) != 1 {
		t.Errorf("delivery after failure: %v", last)
	}
}

func TestPushDeliveryResetsFailures(t *testing.T) {
	t.Parallel()

	store := newFlakyStore()
	store.set(func(s *flakyStore) { s.failSubscribe = true })
	m := NewManager(store, 3)
	defer m.Close()

	var c collector
	for i := 0; i < 2; i++ {
		_, _ = m.Subscribe(context.Background(), Self("u1"), c.onData)
	}
	if h := m.Health(ScopeSelf); h.Failures != 2 {
		t.Fatalf("failures = %d, want 2", h.Failures)
	}

	store.set(func(s *flakyStore) { s.failSubscribe = false })
	sub, err := m.Subscribe(context.Background(), Self("u1"), c.onData)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Cancel()
	eventually(t, "failure streak reset", func() bool { return m.Health(ScopeSelf).Failures == 0 })
}

func TestOpenClassIgnoresLiveDeliveries(t *testing.T) {
	t.Parallel()

	store := newFlakyStore()
	m := NewManager(store, 3)
	defer m.Close()

	var live collector
	sub, err := m.Subscribe(context.Background(), Self("u2"), live.onData)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Cancel()

	store.set(func(s *flakyStore) { s.failSubscribe = true })
	var c collector
	for i := 0; i < 3; i++ {
		_, _ = m.Subscribe(context.Background(), Self("u1"), c.onData)
	}
	if h := m.Health(ScopeSelf); h.Mode != ModePoll || h.Failures != 3 {
		t.Fatalf("health after 3 failures = %+v", h)
	}

	before := live.count()
	createTicket(t, store, "u2", "still streaming")
	eventually(t, "delivery on surviving transport", func() bool { return live.count() > before })
	if h := m.Health(ScopeSelf); h.Mode != ModePoll {
		t.Errorf("a live delivery closed the breaker: %+v", h)
	}

	store.set(func(s *flakyStore) { s.failSubscribe = false })
	polled, err := m.Subscribe(context.Background(), Self("u3"), c.onData)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if polled.Mode() != ModePoll {
		t.Errorf("mode = %s, want poll until re-enabled", polled.Mode())
	}

	m.ReEnable()
	if h := m.Health(ScopeSelf); h.Mode != ModePush || h.Failures != 0 {
		t.Errorf("health after re-enable = %+v", h)
	}
}

func TestSnapshotsSkipMalformedAndSortNewestFirst(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newFlakyStore()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, title := range []string{"oldest", "middle", "newest"} {
		_ = store.Memory.UpsertDocument(ctx, models.TicketsCollection, title, backend.Fields{
			models.FieldTitle:     title,
			models.FieldUserID:    "u1",
			models.FieldStatus:    "Open",
			models.FieldCategory:  "Other",
			models.FieldPriority:  "Low",
			models.FieldCreatedAt: base.Add(time.Duration(i) * time.Hour),
		}, backend.UpsertOptions{})
	}
	_ = store.Memory.UpsertDocument(ctx, models.TicketsCollection, "broken", backend.Fields{
		models.FieldUserID:    "u1",
		models.FieldStatus:    "Archived",
		models.FieldCreatedAt: base,
	}, backend.UpsertOptions{})
	_ = store.Memory.UpsertDocument(ctx, models.TicketsCollection, "draft", backend.Fields{
		models.FieldTitle:  "no timestamp",
		models.FieldUserID: "u1",
	}, backend.UpsertOptions{})

	m := NewManager(store, 3)
	defer m.Close()
	var c collector
	sub, _ := m.Subscribe(ctx, Self("u1"), c.onData)
	defer sub.Cancel()
	eventually(t, "snapshot", func() bool { return c.count() >= 1 })

	last, _ := c.last()
	want := []string{"newest", "middle", "oldest"}
	if len(last) != len(want) {
		t.Fatalf("got %d tickets, want %d", len(last), len(want))
	}
	for i, w := range want {
		if last[i].Title != w {
			t.Errorf("position %d: %s, want %s", i, last[i].Title, w)
		}
	}
}

func TestSubscribeRejectsBadScope(t *testing.T) {
	t.Parallel()

	m := NewManager(newFlakyStore(), 3)
	defer m.Close()
	if _, err := m.Subscribe(context.Background(), Self(""), func([]models.Ticket) {}); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
	if _, err := ParseScope("everything", "u1"); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
	if s, _ := ParseScope("mine", "u1"); s != Self("u1") {
		t.Errorf("mine parsed as %+v", s)
	}
}
