package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/helpdesk/backend/internal/apperr"
	"github.com/example/helpdesk/backend/internal/backend"
	"github.com/example/helpdesk/backend/internal/identity"
	"github.com/example/helpdesk/backend/internal/models"
	"github.com/example/helpdesk/backend/internal/roles"
)

var (
	owner = &identity.Identity{UID: "u1", DisplayName: "Ada"}
	admin = &identity.Identity{UID: "a1", DisplayName: "Root"}
)

func loginIssue() models.TicketDraft {
	return models.TicketDraft{
		Title:       "Login fails",
		Description: "The login button does nothing",
		Category:    models.CategoryLoginIssue,
		Priority:    models.PriorityHigh,
	}
}

func TestCreateThenListForUser(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := NewTicketRepository(backend.NewMemory())

	id, err := repo.Create(ctx, owner, loginIssue())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := repo.Create(ctx, admin, loginIssue()); err != nil {
		t.Fatalf("create other: %v", err)
	}

	tickets, err := repo.ListForUser(ctx, owner.UID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tickets) != 1 {
		t.Fatalf("got %d tickets, want 1", len(tickets))
	}
	got := tickets[0]
	if got.ID != id || got.Status != models.TicketStatusOpen || got.Title != "Login fails" ||
		got.Category != models.CategoryLoginIssue || got.Priority != models.PriorityHigh {
		t.Errorf("unexpected ticket %+v", got)
	}
	if got.UserID != owner.UID || got.UserName != owner.DisplayName {
		t.Errorf("owner = %s/%s", got.UserID, got.UserName)
	}
	if len(got.Comments) != 0 || got.CreatedAt.IsZero() || !got.UpdatedAt.Equal(got.CreatedAt) {
		t.Errorf("unexpected defaults %+v", got)
	}

	all, err := repo.ListAll(ctx)
	if err != nil || len(all) != 2 {
		t.Errorf("list all = %d tickets, %v", len(all), err)
	}
}

func TestCreateRequiresCallerAndValidDraft(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := NewTicketRepository(backend.NewMemory())

	if _, err := repo.Create(ctx, nil, loginIssue()); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("missing caller: got %v, want validation error", err)
	}

	draft := loginIssue()
	draft.Priority = "Critical"
	if _, err := repo.Create(ctx, owner, draft); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("bad priority: got %v, want validation error", err)
	}

	draft = loginIssue()
	draft.Title = "   "
	if _, err := repo.Create(ctx, owner, draft); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("blank title: got %v, want validation error", err)
	}
}

func TestUpdateStatusIsPermissive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := NewTicketRepository(backend.NewMemory())
	clock := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return clock }

	id, _ := repo.Create(ctx, owner, loginIssue())
	for _, status := range []models.TicketStatus{models.TicketStatusResolved, models.TicketStatusOpen, models.TicketStatusInProgress} {
		clock = clock.Add(time.Minute)
		if err := repo.UpdateStatus(ctx, admin, id, status); err != nil {
			t.Fatalf("update to %s: %v", status, err)
		}
		got, err := repo.Get(ctx, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != status {
			t.Errorf("status = %s, want %s", got.Status, status)
		}
		if !got.UpdatedAt.Equal(clock) {
			t.Errorf("updatedAt = %v, want %v", got.UpdatedAt, clock)
		}
	}

	if err := repo.UpdateStatus(ctx, admin, id, "Closed"); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("unknown status: got %v", err)
	}
	if err := repo.UpdateStatus(ctx, nil, id, models.TicketStatusOpen); !apperr.Is(err, apperr.KindAuth) {
		t.Errorf("anonymous update: got %v", err)
	}
	if err := repo.UpdateStatus(ctx, admin, "missing", models.TicketStatusOpen); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("missing ticket: got %v", err)
	}
}

func TestAssign(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := backend.NewMemory()
	repo := NewTicketRepository(store)
	id, _ := repo.Create(ctx, owner, loginIssue())
	_ = store.UpsertDocument(ctx, models.UsersCollection, "agent", backend.Fields{models.FieldName: "Agent"}, backend.UpsertOptions{})

	if err := repo.Assign(ctx, admin, id, "agent"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	got, _ := repo.Get(ctx, id)
	if got.AssignedTo != "agent" {
		t.Errorf("assignee = %q", got.AssignedTo)
	}
	if err := repo.Assign(ctx, admin, id, "nobody"); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("unknown assignee: got %v", err)
	}
	if err := repo.Assign(ctx, admin, id, ""); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("empty assignee: got %v", err)
	}
}

func TestAppendCommentKeepsEveryComment(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := NewTicketRepository(backend.NewMemory())
	id, _ := repo.Create(ctx, owner, loginIssue())

	for i := 0; i < 5; i++ {
		if err := repo.AppendComment(ctx, owner, id, models.Comment{Text: "same words", Author: "Ada"}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	got, _ := repo.Get(ctx, id)
	if len(got.Comments) != 5 {
		t.Errorf("comments = %d, want 5", len(got.Comments))
	}

	if err := repo.AppendComment(ctx, owner, id, models.Comment{Text: "  "}); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("empty comment: got %v", err)
	}
	if err := repo.AppendComment(ctx, owner, "missing", models.Comment{Text: "hi"}); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("missing ticket: got %v", err)
	}
}

func TestConcurrentCommentsFromTwoCallers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := NewTicketRepository(backend.NewMemory())
	id, _ := repo.Create(ctx, owner, loginIssue())

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, caller := range []*identity.Identity{owner, admin} {
		caller := caller
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- repo.AppendComment(ctx, caller, id, models.Comment{Text: "from " + caller.UID, Author: caller.DisplayName})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, _ := repo.Get(ctx, id)
	texts := map[string]bool{}
	for _, c := range got.Comments {
		texts[c.Text] = true
	}
	if len(got.Comments) != 2 || !texts["from u1"] || !texts["from a1"] {
		t.Errorf("comments = %+v", got.Comments)
	}
}

func TestCommentsKeepCallOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := NewTicketRepository(backend.NewMemory())
	id, _ := repo.Create(ctx, owner, loginIssue())
	for i := 0; i < 10; i++ {
		_ = repo.AppendComment(ctx, owner, id, models.Comment{Text: fmt.Sprintf("c%d", i)})
	}
	got, _ := repo.Get(ctx, id)
	for i, c := range got.Comments {
		if want := fmt.Sprintf("c%d", i); c.Text != want {
			t.Errorf("comment %d = %s, want %s", i, c.Text, want)
		}
	}
}

func TestMutationsPropagateBackendErrors(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	repo := NewTicketRepository(backend.NewMemory())
	if _, err := repo.Create(ctx, owner, loginIssue()); err == nil {
		t.Error("create on a dead context succeeded")
	}
	if _, err := repo.ListAll(ctx); err == nil {
		t.Error("list on a dead context succeeded")
	}
}

func TestUsersOrderedByName(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := backend.NewMemory()
	for id, name := range map[string]string{"u3": "Carol", "u1": "Alice", "u2": "Bob"} {
		_ = store.UpsertDocument(ctx, models.UsersCollection, id, backend.Fields{models.FieldName: name, models.FieldRole: "user"}, backend.UpsertOptions{})
	}
	_ = store.UpsertDocument(ctx, models.UsersCollection, "bad", backend.Fields{models.FieldName: "Mallory", models.FieldRole: "root"}, backend.UpsertOptions{})

	users, err := NewUserRepository(store).List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"Alice", "Bob", "Carol"}
	if len(users) != len(want) {
		t.Fatalf("got %d users, want %d", len(users), len(want))
	}
	for i, w := range want {
		if users[i].Name != w {
			t.Errorf("position %d: %s, want %s", i, users[i].Name, w)
		}
	}

	if _, err := NewUserRepository(store).Get(ctx, "ghost"); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("missing user: got %v", err)
	}
}

func TestSetRoleTakesEffectOnNextResolve(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := backend.NewMemory()
	users := NewUserRepository(store)
	resolver := roles.NewResolver(store)

	if role := resolver.Resolve(ctx, *owner); role != models.RoleUser {
		t.Fatalf("first resolve = %q, want user", role)
	}
	if err := users.SetRole(ctx, owner.UID, "root"); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("unknown role: got %v", err)
	}
	if err := users.SetRole(ctx, "ghost", models.RoleAdmin); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("missing user: got %v", err)
	}
	if err := users.SetRole(ctx, owner.UID, models.RoleAdmin); err != nil {
		t.Fatalf("set role: %v", err)
	}

	if role := resolver.Resolve(ctx, *owner); role != models.RoleAdmin {
		t.Errorf("resolve after edit = %q, want admin", role)
	}
	got, err := users.Get(ctx, owner.UID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "Ada" || got.CreatedAt.IsZero() {
		t.Errorf("profile fields lost by role edit: %+v", got)
	}
}
