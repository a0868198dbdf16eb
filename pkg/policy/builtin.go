package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		destructiveChangesPolicy(),
		preventDestroyTagPolicy(),
	}
}

// destructiveChangesPolicy reports every delete or replace in the plan.
func destructiveChangesPolicy() Policy {
	return Policy{
		Name:        "destructive-changes",
		Description: "Reports resources the plan deletes or replaces",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package tgworker.builtin.destructive

import rego.v1

deny contains violation if {
	some rc in input.resource_changes
	rc.change.actions == ["delete"]
	violation := {
		"message": "resource will be destroyed",
		"resource": rc.address,
	}
}

deny contains violation if {
	some rc in input.resource_changes
	"delete" in rc.change.actions
	"create" in rc.change.actions
	violation := {
		"message": "resource will be replaced",
		"resource": rc.address,
	}
}
`,
	}
}

// preventDestroyTagPolicy blocks deleting resources tagged prevent_destroy.
func preventDestroyTagPolicy() Policy {
	return Policy{
		Name:        "prevent-destroy-tag",
		Description: "Blocks deletes of resources tagged prevent_destroy=true",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package tgworker.builtin.preventdestroy

import rego.v1

deny contains violation if {
	some rc in input.resource_changes
	"delete" in rc.change.actions
	lower(sprintf("%v", [rc.change.before.tags.prevent_destroy])) == "true"
	violation := {
		"message": "resource is tagged prevent_destroy",
		"resource": rc.address,
	}
}
`,
	}
}
