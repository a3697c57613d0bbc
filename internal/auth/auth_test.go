package auth

import (
	"context"
	"testing"
)

func TestExpandRole(t *testing.T) {
	tests := []struct {
		role    string
		want    []string
		wantAll bool
	}{
		{role: RoleAdmin, wantAll: true},
		{role: RoleOperator, want: []string{
			CapAgentView, CapBudgetView, CapEscalationResolve, CapEscalationView,
			CapLearningView, CapMetricsView, CapTaskCreate, CapTaskUpdate, CapTaskView,
		}},
		{role: RoleDeveloper, want: []string{
			CapAgentView, CapMetricsView, CapTaskCreate, CapTaskUpdate, CapTaskView,
		}},
		{role: RoleObserver, want: []string{CapAgentView, CapMetricsView, CapTaskView}},
		// Unknown roles collapse to observer.
		{role: "superuser", want: []string{CapAgentView, CapMetricsView, CapTaskView}},
		{role: "", want: []string{CapAgentView, CapMetricsView, CapTaskView}},
	}

	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			got := ExpandRole(tt.role)
			if tt.wantAll {
				if len(got) != len(allCapabilities) {
					t.Fatalf("admin capabilities = %d, want all %d", len(got), len(allCapabilities))
				}
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("ExpandRole(%q) = %v, want %v", tt.role, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("ExpandRole(%q)[%d] = %q, want %q", tt.role, i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestNewPrincipalUnknownRole(t *testing.T) {
	p := NewPrincipal("alice", "root")
	if p.Role != RoleObserver {
		t.Fatalf("Role = %q, want %q", p.Role, RoleObserver)
	}
	if p.HasCapability(CapSystemAdmin) {
		t.Fatal("unknown role must not gain system.admin")
	}
}

func TestMissingCapabilities(t *testing.T) {
	p := NewPrincipal("dev", RoleDeveloper)

	if missing := p.MissingCapabilities([]string{CapTaskView, CapTaskCreate}); missing != nil {
		t.Fatalf("expected no missing capabilities, got %v", missing)
	}

	missing := p.MissingCapabilities([]string{CapTaskView, CapSystemAdmin, CapDLQRead})
	if len(missing) != 2 {
		t.Fatalf("missing = %v, want 2 entries", missing)
	}
	if missing[0] != CapSystemAdmin || missing[1] != CapDLQRead {
		t.Fatalf("missing = %v", missing)
	}
}

func TestAdminHasEverything(t *testing.T) {
	p := NewPrincipal("admin", RoleAdmin)
	for _, c := range allCapabilities {
		if !p.HasCapability(c) {
			t.Errorf("admin missing %s", c)
		}
	}
}

func TestPrincipalContext(t *testing.T) {
	ctx := context.Background()

	if p := FromContext(ctx); p != nil {
		t.Fatalf("expected nil, got %+v", p)
	}

	p := NewPrincipal("alice", RoleOperator)
	ctx = NewContext(ctx, p)

	got := FromContext(ctx)
	if got == nil {
		t.Fatal("expected principal, got nil")
	}
	if got.ID != "alice" {
		t.Errorf("ID = %q, want %q", got.ID, "alice")
	}
	if got.Role != RoleOperator {
		t.Errorf("Role = %q, want %q", got.Role, RoleOperator)
	}
}

func TestIsValidRole(t *testing.T) {
	tests := []struct {
		role  string
		valid bool
	}{
		{RoleAdmin, true},
		{RoleOperator, true},
		{RoleDeveloper, true},
		{RoleObserver, true},
		{"superadmin", false},
		{"", false},
		{"Admin", false}, // case-sensitive
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			if got := IsValidRole(tt.role); got != tt.valid {
				t.Errorf("IsValidRole(%q) = %v, want %v", tt.role, got, tt.valid)
			}
		})
	}
}
