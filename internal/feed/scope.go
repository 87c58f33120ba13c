package feed

import (
	"github.com/example/helpdesk/backend/internal/apperr"
)

// ScopeKind is the class of a feed. Health is tracked per class.
type ScopeKind string

const (
	ScopeSelf ScopeKind = "self"
	ScopeAll  ScopeKind = "all"
)

// Scope selects the tickets of a feed.
type Scope struct {
	Kind   ScopeKind
	UserID string
}

// Self is the scope of one user's own tickets.
func Self(userID string) Scope {
	return Scope{Kind: ScopeSelf, UserID: userID}
}

// All is the scope of every ticket.
func All() Scope {
	return Scope{Kind: ScopeAll}
}

// ParseScope maps the wire names "mine" and "all" to a scope for userID.
func ParseScope(name, userID string) (Scope, error) {
	switch name {
	case "", "mine", string(ScopeSelf):
		return Self(userID), nil
	case string(ScopeAll):
		return All(), nil
	default:
		return Scope{}, apperr.Validation("invalid_scope", "scope must be mine or all")
	}
}

func (s Scope) validate() error {
	switch s.Kind {
	case ScopeSelf:
		if s.UserID == "" {
			return apperr.Validation("missing_user", "a user scope needs a user id")
		}
	case ScopeAll:
	default:
		return apperr.Validation("invalid_scope", "unknown scope "+string(s.Kind))
	}
	return nil
}

func (s Scope) key() string {
	if s.Kind == ScopeSelf {
		return string(ScopeSelf) + ":" + s.UserID
	}
	return string(s.Kind)
}
