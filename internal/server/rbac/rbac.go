// Package rbac maps operator roles to the actions they may perform.
package rbac

// Role is an operator role.
type Role string

const (
	RoleAdmin        Role = "admin"
	RoleColorist     Role = "colorist"
	RoleMediaManager Role = "media_manager"
	RoleEngineer     Role = "engineer"
	RoleReadonly     Role = "readonly"
)

// Permission is a single capability.
type Permission string

const (
	ViewFiles         Permission = "view_files"
	ViewAudit         Permission = "view_audit"
	ValidateFiles     Permission = "validate_files"
	ManageWorkflow    Permission = "manage_workflow"
	AssignColorist    Permission = "assign_colorist"
	RejectFiles       Permission = "reject_files"
	TriggerCleanup    Permission = "trigger_cleanup"
	TriggerRetransfer Permission = "trigger_retransfer"
	DeleteFiles       Permission = "delete_files"
	ManageSites       Permission = "manage_sites"
	ManageUsers       Permission = "manage_users"
	OverrideLedger    Permission = "override_ledger"
)

var rolePermissions = map[Role]map[Permission]bool{
	RoleAdmin: {
		ViewFiles: true, ViewAudit: true, ValidateFiles: true, ManageWorkflow: true,
		AssignColorist: true, RejectFiles: true, TriggerCleanup: true, TriggerRetransfer: true,
		DeleteFiles: true, ManageSites: true, ManageUsers: true, OverrideLedger: true,
	},
	RoleColorist: {
		ViewFiles: true, ViewAudit: true, ValidateFiles: true, ManageWorkflow: true,
		AssignColorist: true, RejectFiles: true, TriggerCleanup: true, TriggerRetransfer: true,
		DeleteFiles: true,
	},
	RoleMediaManager: {
		ViewFiles: true, ViewAudit: true, ValidateFiles: true, ManageWorkflow: true,
		RejectFiles: true, TriggerCleanup: true, TriggerRetransfer: true, DeleteFiles: true,
	},
	RoleEngineer: {
		ViewFiles: true, ViewAudit: true, ValidateFiles: true, TriggerRetransfer: true,
	},
	RoleReadonly: {
		ViewFiles: true, ViewAudit: true,
	},
}

// Has reports whether role grants perm. Unknown roles grant nothing.
func Has(role Role, perm Permission) bool {
	return rolePermissions[role][perm]
}

// Valid reports whether role is known.
func Valid(role Role) bool {
	_, ok := rolePermissions[role]
	return ok
}

// PreferredAssignee is the role a file goes to first when it is assigned
// without an explicit owner.
const PreferredAssignee = RoleColorist

var assignable = map[Role]bool{RoleColorist: true, RoleEngineer: true, RoleAdmin: true}

// Assignable reports whether users with role may own assigned work.
func Assignable(role Role) bool {
	return assignable[role]
}
