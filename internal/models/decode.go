package models

import (
	"fmt"
	"time"
)

// TimeLayout is the fixed-width UTC layout used when timestamps are serialized, so that
// lexical order equals chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DecodeError describes a document rejected at the store boundary.
type DecodeError struct {
	Collection string
	ID         string
	Field      string
	Reason     string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed %s/%s: field %q %s", e.Collection, e.ID, e.Field, e.Reason)
}

// DecodeTicket converts a raw ticket document into a Ticket, rejecting records that lack
// required fields or carry out-of-range enum values.
func DecodeTicket(id string, fields map[string]any) (Ticket, error) {
	bad := func(field, reason string) (Ticket, error) {
		return Ticket{}, &DecodeError{Collection: TicketsCollection, ID: id, Field: field, Reason: reason}
	}

	t := Ticket{ID: id}
	var ok bool

	if t.Title, ok = stringField(fields, FieldTitle); !ok || t.Title == "" {
		return bad(FieldTitle, "is required")
	}
	if t.UserID, ok = stringField(fields, FieldUserID); !ok || t.UserID == "" {
		return bad(FieldUserID, "is required")
	}
	status, _ := stringField(fields, FieldStatus)
	if t.Status = TicketStatus(status); !t.Status.Valid() {
		return bad(FieldStatus, "is not a known status")
	}
	category, _ := stringField(fields, FieldCategory)
	if t.Category = TicketCategory(category); !t.Category.Valid() {
		return bad(FieldCategory, "is not a known category")
	}
	priority, _ := stringField(fields, FieldPriority)
	if t.Priority = TicketPriority(priority); !t.Priority.Valid() {
		return bad(FieldPriority, "is not a known priority")
	}
	created, err := timeField(fields, FieldCreatedAt)
	if err != nil || created.IsZero() {
		return bad(FieldCreatedAt, "is missing or not a timestamp")
	}
	t.CreatedAt = created
	if t.UpdatedAt, err = timeField(fields, FieldUpdatedAt); err != nil {
		return bad(FieldUpdatedAt, "is not a timestamp")
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}

	t.Description, _ = stringField(fields, FieldDescription)
	t.UserName, _ = stringField(fields, FieldUserName)
	t.AssignedTo, _ = stringField(fields, FieldAssignedTo)
	t.AttachmentURL, _ = stringField(fields, FieldAttachment)
	t.PaymentID, _ = stringField(fields, FieldPaymentID)
	if v, ok := fields[FieldIsPremium].(bool); ok {
		t.IsPremium = v
	}

	t.Comments = []Comment{}
	if raw, present := fields[FieldComments]; present && raw != nil {
		items, ok := raw.([]any)
		if !ok {
			return bad(FieldComments, "is not a list")
		}
		for i, item := range items {
			c, err := decodeComment(item)
			if err != nil {
				return bad(fmt.Sprintf("%s[%d]", FieldComments, i), err.Error())
			}
			t.Comments = append(t.Comments, c)
		}
	}
	return t, nil
}

func decodeComment(v any) (Comment, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return Comment{}, fmt.Errorf("is not an object")
	}
	text, ok := stringField(m, "text")
	if !ok {
		return Comment{}, fmt.Errorf("has no text")
	}
	author, _ := stringField(m, "author")
	id, _ := stringField(m, "id")
	created, err := timeField(m, "createdAt")
	if err != nil {
		return Comment{}, err
	}
	return Comment{ID: id, Text: text, Author: author, CreatedAt: created}, nil
}

// DecodeUser converts a raw user document into a UserRecord. A missing role decodes as
// RoleUser; an unknown role is rejected.
func DecodeUser(id string, fields map[string]any) (UserRecord, error) {
	u := UserRecord{ID: id, Role: RoleUser}
	if role, ok := stringField(fields, FieldRole); ok && role != "" {
		u.Role = Role(role)
		if !u.Role.Valid() {
			return UserRecord{}, &DecodeError{Collection: UsersCollection, ID: id, Field: FieldRole, Reason: "is not a known role"}
		}
	}
	u.Name, _ = stringField(fields, FieldName)
	u.Email, _ = stringField(fields, FieldEmail)
	u.AuthProvider, _ = stringField(fields, FieldAuthProvider)
	created, err := timeField(fields, FieldCreatedAt)
	if err != nil {
		return UserRecord{}, &DecodeError{Collection: UsersCollection, ID: id, Field: FieldCreatedAt, Reason: "is not a timestamp"}
	}
	u.CreatedAt = created
	return u, nil
}

func stringField(fields map[string]any, key string) (string, bool) {
	s, ok := fields[key].(string)
	return s, ok
}

// timeField returns the zero time for an absent or null field.
func timeField(fields map[string]any, key string) (time.Time, error) {
	return ParseTime(fields[key])
}

// ParseTime accepts a time.Time or an RFC 3339 string; nil yields the zero time.
func ParseTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return t.UTC(), nil
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, err
		}
		return parsed.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}
