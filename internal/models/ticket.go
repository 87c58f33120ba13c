package models

import (
	"time"
)

// TicketStatus describes the life-cycle state of a support ticket.
type TicketStatus string

const (
	TicketStatusOpen       TicketStatus = "Open"
	TicketStatusInProgress TicketStatus = "In Progress"
	TicketStatusResolved   TicketStatus = "Resolved"
)

// TicketPriority is the urgency the requester assigned to a ticket.
type TicketPriority string

const (
	PriorityLow    TicketPriority = "Low"
	PriorityMedium TicketPriority = "Medium"
	PriorityHigh   TicketPriority = "High"
	PriorityUrgent TicketPriority = "Urgent"
)

// TicketCategory groups tickets by the kind of problem reported.
type TicketCategory string

const (
	CategoryBugReport          TicketCategory = "Bug Report"
	CategoryFeatureRequest     TicketCategory = "Feature Request"
	CategoryLoginIssue         TicketCategory = "Login Issue"
	CategoryPaymentProblem     TicketCategory = "Payment Problem"
	CategoryPerformanceIssue   TicketCategory = "Performance Issue"
	CategoryUIUXFeedback       TicketCategory = "UI/UX Feedback"
	CategoryIntegrationRequest TicketCategory = "Integration Request"
	CategoryOther              TicketCategory = "Other"
)

// Statuses lists every valid status in life-cycle order.
var Statuses = []TicketStatus{TicketStatusOpen, TicketStatusInProgress, TicketStatusResolved}

// Priorities lists every valid priority from lowest to highest.
var Priorities = []TicketPriority{PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent}

// Categories lists every valid category.
var Categories = []TicketCategory{
	CategoryBugReport, CategoryFeatureRequest, CategoryLoginIssue, CategoryPaymentProblem,
	CategoryPerformanceIssue, CategoryUIUXFeedback, CategoryIntegrationRequest, CategoryOther,
}

// Valid reports whether s is a known status.
func (s TicketStatus) Valid() bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

// Valid reports whether p is a known priority.
func (p TicketPriority) Valid() bool {
	for _, v := range Priorities {
		if v == p {
			return true
		}
	}
	return false
}

// Valid reports whether c is a known category.
func (c TicketCategory) Valid() bool {
	for _, v := range Categories {
		if v == c {
			return true
		}
	}
	return false
}

// Comment is an immutable note appended to a ticket. ID keeps two otherwise identical
// comments distinct under the store's union append.
type Comment struct {
	ID        string    `json:"id,omitempty"`
	Text      string    `json:"text"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

// Ticket is a support request as seen by the application. The backend store owns the record.
type Ticket struct {
	ID            string         `json:"id"`
	Title         string         `json:"title"`
	Description   string         `json:"description"`
	Category      TicketCategory `json:"category"`
	Priority      TicketPriority `json:"priority"`
	Status        TicketStatus   `json:"status"`
	UserID        string         `json:"userId"`
	UserName      string         `json:"userName"`
	AssignedTo    string         `json:"assignedTo,omitempty"`
	AttachmentURL string         `json:"attachment,omitempty"`
	IsPremium     bool           `json:"isPremium"`
	PaymentID     string         `json:"paymentId,omitempty"`
	Comments      []Comment      `json:"comments"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// TicketDraft is the caller-supplied part of a new ticket. Owner, status and timestamps are
// always stamped by the repository.
type TicketDraft struct {
	Title         string         `json:"title" validate:"required,max=200"`
	Description   string         `json:"description" validate:"required,max=5000"`
	Category      TicketCategory `json:"category" validate:"required,ticket_category"`
	Priority      TicketPriority `json:"priority" validate:"required,ticket_priority"`
	AttachmentURL string         `json:"attachment" validate:"omitempty,url"`
	IsPremium     bool           `json:"isPremium"`
	PaymentID     string         `json:"paymentId" validate:"max=128"`
}

// Ticket document field names.
const (
	FieldTitle       = "title"
	FieldDescription = "description"
	FieldCategory    = "category"
	FieldPriority    = "priority"
	FieldStatus      = "status"
	FieldUserID      = "userId"
	FieldUserName    = "userName"
	FieldAssignedTo  = "assignedTo"
	FieldAttachment  = "attachment"
	FieldIsPremium   = "isPremium"
	FieldPaymentID   = "paymentId"
	FieldComments    = "comments"
	FieldCreatedAt   = "createdAt"
	FieldUpdatedAt   = "updatedAt"
)

// TicketsCollection is the collection holding ticket documents.
const TicketsCollection = "tickets"

// Fields renders the comment as a document value.
func (c Comment) Fields() map[string]any {
	f := map[string]any{
		"text":      c.Text,
		"author":    c.Author,
		"createdAt": c.CreatedAt.UTC(),
	}
	if c.ID != "" {
		f["id"] = c.ID
	}
	return f
}
