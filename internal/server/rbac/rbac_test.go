package rbac

import "testing"

func TestHas(t *testing.T) {
	tests := []struct {
		role Role
		perm Permission
		want bool
	}{
		{RoleAdmin, ManageUsers, true},
		{RoleAdmin, OverrideLedger, true},
		{RoleColorist, ManageUsers, false},
		{RoleColorist, AssignColorist, true},
		{RoleMediaManager, AssignColorist, false},
		{RoleEngineer, ValidateFiles, true},
		{RoleEngineer, DeleteFiles, false},
		{RoleReadonly, ViewFiles, true},
		{RoleReadonly, RejectFiles, false},
		{Role("ghost"), ViewFiles, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.role)+"/"+string(tt.perm), func(t *testing.T) {
			if got := Has(tt.role, tt.perm); got != tt.want {
				t.Errorf("Has(%s, %s) = %v, want %v", tt.role, tt.perm, got, tt.want)
			}
		})
	}
}

func TestValid(t *testing.T) {
	if !Valid(RoleMediaManager) {
		t.Error("media_manager should be valid")
	}
	if Valid(Role("root")) {
		t.Error("root should not be valid")
	}
}

func TestAssignable(t *testing.T) {
	for role, want := range map[Role]bool{
		RoleColorist:     true,
		RoleEngineer:     true,
		RoleAdmin:        true,
		RoleMediaManager: false,
		RoleReadonly:     false,
		Role("ghost"):    false,
	} {
		if got := Assignable(role); got != want {
			t.Errorf("Assignable(%s) = %v, want %v", role, got, want)
		}
	}
}
