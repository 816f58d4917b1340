// Package policy evaluates Rego policies as push tests.
//
// A policy is a Rego v1 module defining a boolean allow rule. Rules refer to
// policies by name with the "rego:" test prefix; the push is passed as input
// with these fields:
//
//	input.workspace          workspace id
//	input.owner, input.repo  repository
//	input.branch             pushed branch
//	input.default_branch     repository default branch
//	input.is_default_branch  branch == default_branch
//	input.sha                pushed commit
//	input.changed_files      paths changed by the push
//	input.project_dir        checkout directory
//
// Example:
//
//	# Docs-only pushes skip the build
//	package goalflow.tests.needs_build
//
//	default allow := true
//
//	allow := false if {
//		count(input.changed_files) > 0
//		every f in input.changed_files { startswith(f, "docs/") }
//	}
//
// Policies are loaded from .rego files with Loader; the file name is the
// policy name. Engine.Replace swaps the loaded set on configuration reload.
package policy
