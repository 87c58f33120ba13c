package repository

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/example/helpdesk/backend/internal/apperr"
	"github.com/example/helpdesk/backend/internal/backend"
	"github.com/example/helpdesk/backend/internal/identity"
	"github.com/example/helpdesk/backend/internal/logging"
	"github.com/example/helpdesk/backend/internal/models"
)

// TicketRepository provides typed access to ticket documents.
type TicketRepository struct {
	store backend.Facade
	now   func() time.Time
	log   zerolog.Logger
}

// NewTicketRepository constructs a repository over the provided store.
func NewTicketRepository(store backend.Facade) *TicketRepository {
	return &TicketRepository{store: store, now: time.Now, log: logging.With("tickets")}
}

// TicketQuery selects the tickets visible in one feed: those with a creation timestamp,
// newest first, restricted to userID when it is not empty.
func TicketQuery(userID string) backend.Query {
	q := backend.Query{}.AndWhere(models.FieldCreatedAt, backend.OpNotNull, nil)
	if userID != "" {
		q = q.AndWhere(models.FieldUserID, backend.OpEqual, userID)
	}
	return q.Order(models.FieldCreatedAt, backend.Desc)
}

// DecodeTickets converts documents into tickets ordered newest first. Malformed records are
// logged and skipped.
func DecodeTickets(docs []backend.Document, log zerolog.Logger) (tickets []models.Ticket, skipped int) {
	tickets = make([]models.Ticket, 0, len(docs))
	for _, doc := range docs {
		t, err := models.DecodeTicket(doc.ID, doc.Fields)
		if err != nil {
			skipped++
			log.Warn().Err(err).Str("collection", models.TicketsCollection).Str("id", doc.ID).Msg("skipping malformed ticket")
			continue
		}
		tickets = append(tickets, t)
	}
	sort.SliceStable(tickets, func(i, j int) bool {
		return tickets[i].CreatedAt.After(tickets[j].CreatedAt)
	})
	return tickets, skipped
}

// Create persists a new ticket owned by caller and returns its id. Status and owner fields
// are always stamped here, whatever the draft carries.
func (r *TicketRepository) Create(ctx context.Context, caller *identity.Identity, draft models.TicketDraft) (string, error) {
	if caller == nil || caller.UID == "" {
		return "", apperr.Validation("missing_identity", "a signed-in user is required to create tickets")
	}
	draft.Title = strings.TrimSpace(draft.Title)
	draft.Description = strings.TrimSpace(draft.Description)
	if err := draft.Validate(); err != nil {
		return "", apperr.Validation("invalid_ticket", err.Error())
	}

	now := r.now().UTC()
	fields := backend.Fields{
		models.FieldTitle:       draft.Title,
		models.FieldDescription: draft.Description,
		models.FieldCategory:    string(draft.Category),
		models.FieldPriority:    string(draft.Priority),
		models.FieldStatus:      string(models.TicketStatusOpen),
		models.FieldUserID:      caller.UID,
		models.FieldUserName:    caller.DisplayName,
		models.FieldIsPremium:   draft.IsPremium,
		models.FieldComments:    []any{},
		models.FieldCreatedAt:   now,
		models.FieldUpdatedAt:   now,
	}
	if draft.AttachmentURL != "" {
		fields[models.FieldAttachment] = draft.AttachmentURL
	}
	if draft.PaymentID != "" {
		fields[models.FieldPaymentID] = draft.PaymentID
	}

	id, err := r.store.InsertDocument(ctx, models.TicketsCollection, fields)
	if err != nil {
		return "", errors.WithStack(err)
	}
	r.log.Info().Str("id", id).Str("uid", caller.UID).Str("priority", string(draft.Priority)).Msg("ticket created")
	return id, nil
}

// Get returns the ticket by id.
func (r *TicketRepository) Get(ctx context.Context, id string) (*models.Ticket, error) {
	doc, err := r.store.GetDocument(ctx, models.TicketsCollection, id)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	ticket, err := models.DecodeTicket(doc.ID, doc.Fields)
	if err != nil {
		return nil, errors.Wrap(err, "decode ticket")
	}
	return &ticket, nil
}

// UpdateStatus overwrites the ticket status. Any known status may follow any other, so a
// resolved ticket can be reopened.
func (r *TicketRepository) UpdateStatus(ctx context.Context, caller *identity.Identity, id string, status models.TicketStatus) error {
	if err := requireCaller(caller); err != nil {
		return err
	}
	if !status.Valid() {
		return apperr.Validation("invalid_status", "unknown ticket status "+string(status))
	}
	err := r.store.UpdateDocument(ctx, models.TicketsCollection, id, backend.Fields{
		models.FieldStatus:    string(status),
		models.FieldUpdatedAt: r.now().UTC(),
	})
	if err != nil {
		return errors.WithStack(err)
	}
	r.log.Info().Str("id", id).Str("uid", caller.UID).Str("status", string(status)).Msg("ticket status updated")
	return nil
}

// Assign sets the ticket's assignee. The assignee must have a user record.
func (r *TicketRepository) Assign(ctx context.Context, caller *identity.Identity, id, assigneeID string) error {
	if err := requireCaller(caller); err != nil {
		return err
	}
	if assigneeID == "" {
		return apperr.Validation("missing_assignee", "assignee is required")
	}
	if _, err := r.store.GetDocument(ctx, models.UsersCollection, assigneeID); err != nil {
		return errors.WithStack(err)
	}
	err := r.store.UpdateDocument(ctx, models.TicketsCollection, id, backend.Fields{
		models.FieldAssignedTo: assigneeID,
		models.FieldUpdatedAt:  r.now().UTC(),
	})
	return errors.WithStack(err)
}

// AppendComment adds comment to the end of the ticket's comment list. Concurrent appends
// from different callers are all kept.
func (r *TicketRepository) AppendComment(ctx context.Context, caller *identity.Identity, id string, comment models.Comment) error {
	if err := requireCaller(caller); err != nil {
		return err
	}
	comment.Text = strings.TrimSpace(comment.Text)
	if comment.Text == "" {
		return apperr.Validation("empty_comment", "comment text is required")
	}
	now := r.now().UTC()
	if comment.CreatedAt.IsZero() {
		comment.CreatedAt = now
	}
	if comment.ID == "" {
		comment.ID = uuid.NewString()
	}
	err := r.store.UpdateDocument(ctx, models.TicketsCollection, id, backend.Fields{
		models.FieldComments:  backend.ArrayUnion{comment.Fields()},
		models.FieldUpdatedAt: now,
	})
	return errors.WithStack(err)
}

// ListForUser returns userID's tickets, newest first.
func (r *TicketRepository) ListForUser(ctx context.Context, userID string) ([]models.Ticket, error) {
	if userID == "" {
		return nil, apperr.Validation("missing_user", "user id is required")
	}
	return r.list(ctx, TicketQuery(userID))
}

// ListAll returns every ticket, newest first.
func (r *TicketRepository) ListAll(ctx context.Context) ([]models.Ticket, error) {
	return r.list(ctx, TicketQuery(""))
}

func (r *TicketRepository) list(ctx context.Context, q backend.Query) ([]models.Ticket, error) {
	docs, err := r.store.Query(ctx, models.TicketsCollection, q)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	tickets, _ := DecodeTickets(docs, r.log)
	return tickets, nil
}

func requireCaller(caller *identity.Identity) error {
	if caller == nil || caller.UID == "" {
		return apperr.Auth("unauthenticated", "authentication required")
	}
	return nil
}
