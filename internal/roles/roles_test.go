package roles

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/helpdesk/backend/internal/apperr"
	"github.com/example/helpdesk/backend/internal/backend"
	"github.com/example/helpdesk/backend/internal/identity"
	"github.com/example/helpdesk/backend/internal/models"
)

// countingStore wraps Memory, counting upserts and optionally failing reads.
type countingStore struct {
	*backend.Memory
	upserts  atomic.Int32
	failGets atomic.Bool
	block    chan struct{}
}

func newCountingStore() *countingStore {
	return &countingStore{Memory: backend.NewMemory()}
}

func (s *countingStore) GetDocument(ctx context.Context, collection, id string) (*backend.Document, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.failGets.Load() {
		return nil, apperr.Unavailable(errors.New("connection refused"))
	}
	return s.Memory.GetDocument(ctx, collection, id)
}

func (s *countingStore) UpsertDocument(ctx context.Context, collection, id string, fields backend.Fields, opts backend.UpsertOptions) error {
	s.upserts.Add(1)
	return s.Memory.UpsertDocument(ctx, collection, id, fields, opts)
}

func TestResolveProvisionsOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newCountingStore()
	r := NewResolver(store)
	id := identity.Identity{UID: "u1", DisplayName: "Ada", Email: "ada@example.com", Provider: "password"}

	if role := r.Resolve(ctx, id); role != models.RoleUser {
		t.Fatalf("first resolve = %q, want user", role)
	}
	if role := r.Resolve(ctx, id); role != models.RoleUser {
		t.Fatalf("second resolve = %q, want user", role)
	}
	if n := store.upserts.Load(); n != 1 {
		t.Errorf("provisioning writes = %d, want 1", n)
	}

	doc, err := store.Memory.GetDocument(ctx, models.UsersCollection, "u1")
	if err != nil {
		t.Fatalf("user record missing: %v", err)
	}
	user, err := models.DecodeUser(doc.ID, doc.Fields)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if user.Role != models.RoleUser || user.Name != "Ada" || user.AuthProvider != "password" {
		t.Errorf("unexpected record %+v", user)
	}
	if user.CreatedAt.IsZero() {
		t.Error("createdAt not set")
	}
}

func TestResolveKeepsExistingProfile(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newCountingStore()
	_ = store.Memory.UpsertDocument(ctx, models.UsersCollection, "a1", backend.Fields{
		models.FieldName: "Root",
		models.FieldRole: "admin",
	}, backend.UpsertOptions{})

	r := NewResolver(store)
	if role := r.Resolve(ctx, identity.Identity{UID: "a1"}); role != models.RoleAdmin {
		t.Errorf("role = %q, want admin", role)
	}
	if n := store.upserts.Load(); n != 0 {
		t.Errorf("existing record must not be rewritten, got %d writes", n)
	}
}

func TestResolveFallsBackWithoutWriting(t *testing.T) {
	t.Parallel()

	store := newCountingStore()
	store.failGets.Store(true)
	r := NewResolver(store)

	if role := r.Resolve(context.Background(), identity.Identity{UID: "u1"}); role != models.RoleUser {
		t.Errorf("role = %q, want user", role)
	}
	if n := store.upserts.Load(); n != 0 {
		t.Errorf("unreadable record must not trigger provisioning, got %d writes", n)
	}
}

func TestResolveMalformedRole(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newCountingStore()
	_ = store.Memory.UpsertDocument(ctx, models.UsersCollection, "u1", backend.Fields{models.FieldRole: "superuser"}, backend.UpsertOptions{})

	if role := NewResolver(store).Resolve(ctx, identity.Identity{UID: "u1"}); role != models.RoleUser {
		t.Errorf("role = %q, want user", role)
	}
	if n := store.upserts.Load(); n != 0 {
		t.Errorf("malformed record must not be overwritten, got %d writes", n)
	}
}

func TestTrackerFollowsSession(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := newCountingStore()
	_ = store.Memory.UpsertDocument(ctx, models.UsersCollection, "a1", backend.Fields{models.FieldRole: "admin"}, backend.UpsertOptions{})

	session := identity.NewSession()
	tr := NewTracker(ctx, NewResolver(store), session)
	defer tr.Close()

	if st := tr.State(); !st.Loading || st.Identity != nil {
		t.Fatalf("initial state = %+v, want loading", st)
	}

	session.Set(&identity.Identity{UID: "a1"})
	st := waitSettled(t, tr)
	if st.Identity == nil || st.Identity.UID != "a1" || st.Role != models.RoleAdmin {
		t.Errorf("state after login = %+v", st)
	}

	session.Set(nil)
	st = tr.State()
	if st.Loading || st.Identity != nil || st.Role != "" {
		t.Errorf("state after logout = %+v", st)
	}
}

func waitSettled(t *testing.T, tr *Tracker) State {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st := tr.State(); !st.Loading {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("role never resolved")
	return State{}
}

func TestTrackerListenersEndOnLogout(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session := identity.NewSession()
	tr := NewTracker(ctx, NewResolver(newCountingStore()), session)
	defer tr.Close()

	resolved := make(chan struct{})
	release := make(chan struct{})
	var (
		once sync.Once
		mu   sync.Mutex
		last State
	)
	tr.OnChange(func(st State) {
		if st.Identity != nil && !st.Loading {
			once.Do(func() {
				close(resolved)
				<-release
			})
		}
		mu.Lock()
		last = st
		mu.Unlock()
	})

	session.Set(&identity.Identity{UID: "u1"})
	select {
	case <-resolved:
	case <-ctx.Done():
		t.Fatal("role never resolved")
	}

	loggedOut := make(chan struct{})
	go func() {
		session.Set(nil)
		close(loggedOut)
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	select {
	case <-loggedOut:
	case <-ctx.Done():
		t.Fatal("logout never returned")
	}

	mu.Lock()
	got := last
	mu.Unlock()
	if got.Identity != nil || got.Loading {
		t.Errorf("listeners ended on %+v, want signed out", got)
	}
	if st := tr.State(); st.Identity != nil {
		t.Errorf("state = %+v, want signed out", st)
	}
}

func TestTrackerDropsStaleResolution(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := newCountingStore()
	store.block = make(chan struct{})
	session := identity.NewSession()
	tr := NewTracker(ctx, NewResolver(store), session)
	defer tr.Close()

	var updates atomic.Int32
	tr.OnChange(func(State) { updates.Add(1) })

	session.Set(&identity.Identity{UID: "u1"})
	if st := tr.State(); !st.Loading || st.Identity.UID != "u1" {
		t.Fatalf("expected loading state for u1, got %+v", st)
	}
	session.Set(nil)
	close(store.block)

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		if st := tr.State(); st.Identity != nil || st.Loading {
			t.Fatalf("stale resolution overwrote logout: %+v", st)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n := updates.Load(); n != 2 {
		t.Errorf("updates = %d, want 2 (loading, logged out)", n)
	}
}
