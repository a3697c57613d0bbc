package auth

import (
	"context"
	"sort"
)

// Roles supported by the RBAC system.
const (
	RoleAdmin     = "admin"
	RoleOperator  = "operator"
	RoleDeveloper = "developer"
	RoleObserver  = "observer"
)

// ValidRoles lists all known roles in descending privilege order.
var ValidRoles = []string{RoleAdmin, RoleOperator, RoleDeveloper, RoleObserver}

// Capabilities are fine-grained, dotted permission tokens. Every protected
// route names the capabilities it requires; roles expand to capability sets
// at verification time and are never carried inside tokens.
const (
	CapSystemAdmin       = "system.admin"
	CapEscalationView    = "escalation.view"
	CapEscalationResolve = "escalation.resolve"
	CapTaskCreate        = "task.create"
	CapTaskUpdate        = "task.update"
	CapTaskView          = "task.view"
	CapAgentView         = "agent.view"
	CapBudgetView        = "budget.view"
	CapLearningView      = "learning.view"
	CapMetricsView       = "metrics.view"
	CapDLQRead           = "dlq.read"
)

// allCapabilities is every capability known to the system; admin holds all of them.
var allCapabilities = []string{
	CapSystemAdmin,
	CapEscalationView,
	CapEscalationResolve,
	CapTaskCreate,
	CapTaskUpdate,
	CapTaskView,
	CapAgentView,
	CapBudgetView,
	CapLearningView,
	CapMetricsView,
	CapDLQRead,
}

// roleCapabilities is the fixed role → capability mapping. Unknown roles get
// no entry here and collapse to observer during expansion.
var roleCapabilities = map[string][]string{
	RoleAdmin: allCapabilities,
	RoleOperator: {
		CapEscalationView,
		CapEscalationResolve,
		CapTaskCreate,
		CapTaskUpdate,
		CapTaskView,
		CapAgentView,
		CapBudgetView,
		CapLearningView,
		CapMetricsView,
	},
	RoleDeveloper: {
		CapTaskCreate,
		CapTaskUpdate,
		CapTaskView,
		CapAgentView,
		CapMetricsView,
	},
	RoleObserver: {
		CapTaskView,
		CapAgentView,
		CapMetricsView,
	},
}

// IsValidRole reports whether role is a recognised RBAC role.
func IsValidRole(role string) bool {
	_, ok := roleCapabilities[role]
	return ok
}

// ExpandRole returns the capability set for a role. Unknown roles collapse to
// observer, the safe default for tokens minted under a since-removed role.
func ExpandRole(role string) []string {
	caps, ok := roleCapabilities[role]
	if !ok {
		caps = roleCapabilities[RoleObserver]
	}
	out := make([]string, len(caps))
	copy(out, caps)
	sort.Strings(out)
	return out
}

// Principal is the authenticated caller for the current request. Capabilities
// are reconstructed from the role on every verify.
type Principal struct {
	ID           string   // lowercased username
	Role         string   // one of the Role* constants
	Capabilities []string // expanded from Role, sorted
}

// HasCapability reports whether the principal holds the given capability.
func (p *Principal) HasCapability(cap string) bool {
	for _, c := range p.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// MissingCapabilities returns the subset of required that the principal lacks.
func (p *Principal) MissingCapabilities(required []string) []string {
	var missing []string
	for _, c := range required {
		if !p.HasCapability(c) {
			missing = append(missing, c)
		}
	}
	return missing
}

// NewPrincipal builds a Principal for a lowercased username and role,
// expanding the capability set. Unknown roles collapse to observer.
func NewPrincipal(id, role string) *Principal {
	if !IsValidRole(role) {
		role = RoleObserver
	}
	return &Principal{
		ID:           id,
		Role:         role,
		Capabilities: ExpandRole(role),
	}
}

type ctxKey string

const principalKey ctxKey = "auth_principal"

// NewContext stores the principal in the context.
func NewContext(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// FromContext extracts the principal from the context.
// Returns nil if no principal is set.
func FromContext(ctx context.Context) *Principal {
	v, _ := ctx.Value(principalKey).(*Principal)
	return v
}
