package service

import (
	"context"
	"strings"

	"github.com/example/helpdesk/backend/internal/models"
)

// Dashboard summarizes one user's tickets.
type Dashboard struct {
	Counts map[models.TicketStatus]int `json:"counts"`
	Urgent int                         `json:"urgent"`
	Total  int                         `json:"total"`
	Recent []models.Ticket             `json:"recent"`
}

// Dashboard computes the caller's ticket statistics.
func (s *TicketService) Dashboard(ctx context.Context, caller Caller) (Dashboard, error) {
	tickets, err := s.tickets.ListForUser(ctx, caller.Identity.UID)
	if err != nil {
		return Dashboard{}, err
	}
	return Summarize(tickets), nil
}

// Summarize builds a Dashboard from tickets ordered newest first.
func Summarize(tickets []models.Ticket) Dashboard {
	d := Dashboard{Counts: make(map[models.TicketStatus]int, len(models.Statuses)), Total: len(tickets)}
	for _, status := range models.Statuses {
		d.Counts[status] = 0
	}
	for _, t := range tickets {
		d.Counts[t.Status]++
		if t.Priority == models.PriorityUrgent && t.Status != models.TicketStatusResolved {
			d.Urgent++
		}
	}
	n := RecentTickets
	if len(tickets) < n {
		n = len(tickets)
	}
	d.Recent = append([]models.Ticket{}, tickets[:n]...)
	return d
}

// Filter narrows the admin ticket list. Empty fields and "All" match everything; Search
// matches title or id case-insensitively.
type Filter struct {
	Status   string `form:"status"`
	Priority string `form:"priority"`
	Category string `form:"category"`
	Search   string `form:"search"`
}

// FilterTickets returns the tickets matching f, keeping their order.
func FilterTickets(tickets []models.Ticket, f Filter) []models.Ticket {
	search := strings.ToLower(strings.TrimSpace(f.Search))
	out := make([]models.Ticket, 0, len(tickets))
	for _, t := range tickets {
		if !matches(f.Status, string(t.Status)) || !matches(f.Priority, string(t.Priority)) || !matches(f.Category, string(t.Category)) {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(t.Title), search) && !strings.Contains(strings.ToLower(t.ID), search) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func matches(want, got string) bool {
	return want == "" || want == "All" || want == got
}
