// Package gate decides what a caller sees on a role-protected view.
package gate

import (
	"github.com/example/helpdesk/backend/internal/metrics"
	"github.com/example/helpdesk/backend/internal/models"
	"github.com/example/helpdesk/backend/internal/roles"
)

// Decision is the outcome kind of a gate check.
type Decision string

const (
	// Pending means the role is still being resolved; nothing may be decided yet.
	Pending         Decision = "pending"
	Render          Decision = "render"
	RedirectLogin   Decision = "redirect_login"
	RedirectDefault Decision = "redirect_default"
)

// Views the gate redirects to.
const (
	LoginView     = "/login"
	DashboardView = "/dashboard"
	AdminView     = "/admin"
)

// Outcome is a decision plus, for redirects, where to go.
type Outcome struct {
	Decision Decision `json:"decision"`
	Location string   `json:"location,omitempty"`
}

// DefaultView is the landing view for role.
func DefaultView(role models.Role) string {
	if role == models.RoleAdmin {
		return AdminView
	}
	return DashboardView
}

// Decide checks st against required. An empty required role admits any signed-in caller.
// While st is loading the outcome is Pending, never a redirect.
func Decide(required models.Role, st roles.State) Outcome {
	out := decide(required, st)
	metrics.GateDecisionsTotal.WithLabelValues(string(out.Decision)).Inc()
	return out
}

func decide(required models.Role, st roles.State) Outcome {
	if st.Loading {
		return Outcome{Decision: Pending}
	}
	if st.Identity == nil {
		return Outcome{Decision: RedirectLogin, Location: LoginView}
	}
	if required != "" && st.Role != required {
		return Outcome{Decision: RedirectDefault, Location: DefaultView(st.Role)}
	}
	return Outcome{Decision: Render}
}
