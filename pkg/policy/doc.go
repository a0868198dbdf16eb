// Package policy gates exported plans with Open Policy Agent.
//
// Policies are Rego modules whose package defines a deny set. Each one is
// evaluated with the plan's JSON rendering (the output of `show -json`) as
// input:
//
//	package tgworker.plan
//
//	import rego.v1
//
//	deny contains msg if {
//		some rc in input.resource_changes
//		rc.type == "aws_s3_bucket"
//		"delete" in rc.change.actions
//		msg := sprintf("bucket %s must not be deleted", [rc.address])
//	}
//
// A deny entry is either a message string or an object with "message",
// "severity" and "resource" keys. Violations of severity error or critical
// block the plan; anything lower is reported as a warning.
//
// Policies come from .rego files (severity error unless the entry says
// otherwise) or .json definitions carrying the Rego source and metadata. The
// Loader can watch a policy directory and hand the reloaded set to
// Engine.ReplacePolicies. A loaded policy named like a built-in shadows it
// until the loaded set is replaced.
package policy
