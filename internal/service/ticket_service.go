package service

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/example/helpdesk/backend/internal/apperr"
	"github.com/example/helpdesk/backend/internal/backend"
	"github.com/example/helpdesk/backend/internal/identity"
	"github.com/example/helpdesk/backend/internal/logging"
	"github.com/example/helpdesk/backend/internal/models"
	"github.com/example/helpdesk/backend/internal/repository"
)

// MaxAttachmentSize bounds uploaded attachments.
const MaxAttachmentSize = 10 << 20

// RecentTickets is how many tickets the dashboard lists.
const RecentTickets = 3

// Caller is an authenticated identity together with its resolved role.
type Caller struct {
	Identity identity.Identity
	Role     models.Role
}

// IsAdmin reports whether the caller has the admin role.
func (c Caller) IsAdmin() bool { return c.Role == models.RoleAdmin }

// TicketService contains the ticket rules that sit above the repository: ownership checks,
// attachments, dashboard statistics and admin filtering.
type TicketService struct {
	tickets *repository.TicketRepository
	users   *repository.UserRepository
	blobs   backend.BlobStore
	now     func() time.Time
	log     zerolog.Logger
}

// NewTicketService builds a service with dependencies.
func NewTicketService(tickets *repository.TicketRepository, users *repository.UserRepository, blobs backend.BlobStore) *TicketService {
	return &TicketService{tickets: tickets, users: users, blobs: blobs, now: time.Now, log: logging.With("service")}
}

// UploadAttachment stores data for caller and returns the URL to put on a ticket draft.
func (s *TicketService) UploadAttachment(ctx context.Context, caller Caller, name string, data []byte) (string, error) {
	if s.blobs == nil {
		return "", apperr.Unavailable(errors.New("attachment storage is not configured"))
	}
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if name == "" || name == "." || name == "/" {
		return "", apperr.Validation("invalid_file", "file name is required")
	}
	if len(data) == 0 {
		return "", apperr.Validation("invalid_file", "file is empty")
	}
	if len(data) > MaxAttachmentSize {
		return "", apperr.Validation("file_too_large", fmt.Sprintf("attachments are limited to %d bytes", MaxAttachmentSize))
	}
	objectPath := fmt.Sprintf("tickets/%s/%d_%s", caller.Identity.UID, s.now().UnixMilli(), name)
	url, err := s.blobs.UploadBlob(ctx, objectPath, data)
	if err != nil {
		return "", errors.WithStack(err)
	}
	s.log.Info().Str("uid", caller.Identity.UID).Str("path", objectPath).Int("bytes", len(data)).Msg("attachment uploaded")
	return url, nil
}

// CreateTicket files a new ticket for caller and returns it as stored.
func (s *TicketService) CreateTicket(ctx context.Context, caller Caller, draft models.TicketDraft) (*models.Ticket, error) {
	id, err := s.tickets.Create(ctx, &caller.Identity, draft)
	if err != nil {
		return nil, err
	}
	return s.tickets.Get(ctx, id)
}

// GetTicket returns a ticket the caller may see: its own, or any ticket for an admin.
// Other tickets are reported as not found.
func (s *TicketService) GetTicket(ctx context.Context, caller Caller, id string) (*models.Ticket, error) {
	ticket, err := s.tickets.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !caller.IsAdmin() && ticket.UserID != caller.Identity.UID {
		return nil, apperr.NotFound("ticket_not_found", "ticket not found")
	}
	return ticket, nil
}

// AddComment appends a comment by the ticket owner or an admin.
func (s *TicketService) AddComment(ctx context.Context, caller Caller, id, text string) error {
	if _, err := s.GetTicket(ctx, caller, id); err != nil {
		return err
	}
	return s.tickets.AppendComment(ctx, &caller.Identity, id, models.Comment{
		Text:   text,
		Author: commentAuthor(caller),
	})
}

func commentAuthor(caller Caller) string {
	if name := strings.TrimSpace(caller.Identity.DisplayName); name != "" {
		return name
	}
	if caller.IsAdmin() {
		return "Admin"
	}
	return "User"
}

// UpdateStatus changes a ticket's status. Only admins may do this.
func (s *TicketService) UpdateStatus(ctx context.Context, caller Caller, id string, status models.TicketStatus) error {
	if err := requireAdmin(caller); err != nil {
		return err
	}
	return s.tickets.UpdateStatus(ctx, &caller.Identity, id, status)
}

// Assign sets a ticket's assignee. Only admins may do this.
func (s *TicketService) Assign(ctx context.Context, caller Caller, id, assigneeID string) error {
	if err := requireAdmin(caller); err != nil {
		return err
	}
	return s.tickets.Assign(ctx, &caller.Identity, id, assigneeID)
}

// ListMine returns the caller's tickets, newest first.
func (s *TicketService) ListMine(ctx context.Context, caller Caller) ([]models.Ticket, error) {
	return s.tickets.ListForUser(ctx, caller.Identity.UID)
}

// ListAll returns every ticket matching f. Only admins may do this.
func (s *TicketService) ListAll(ctx context.Context, caller Caller, f Filter) ([]models.Ticket, error) {
	if err := requireAdmin(caller); err != nil {
		return nil, err
	}
	tickets, err := s.tickets.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	return FilterTickets(tickets, f), nil
}

// Users lists the assignable users ordered by name. Only admins may do this.
func (s *TicketService) Users(ctx context.Context, caller Caller) ([]models.UserRecord, error) {
	if err := requireAdmin(caller); err != nil {
		return nil, err
	}
	return s.users.List(ctx)
}

// User returns one user record. Only admins may do this.
func (s *TicketService) User(ctx context.Context, caller Caller, uid string) (*models.UserRecord, error) {
	if err := requireAdmin(caller); err != nil {
		return nil, err
	}
	return s.users.Get(ctx, uid)
}

// SetRole changes another user's role. Only admins may do this, and not for themselves.
func (s *TicketService) SetRole(ctx context.Context, caller Caller, uid string, role models.Role) error {
	if err := requireAdmin(caller); err != nil {
		return err
	}
	if uid == caller.Identity.UID {
		return apperr.Validation("own_role", "admins cannot change their own role")
	}
	return s.users.SetRole(ctx, uid, role)
}

func requireAdmin(caller Caller) error {
	if !caller.IsAdmin() {
		return apperr.Auth("forbidden", "admin role required")
	}
	return nil
}
