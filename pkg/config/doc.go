// Package config loads the goalflow engine configuration and rule documents.
//
// # Engine configuration
//
// goalflow.yaml (or goalflow.cue) is decoded over DefaultConfig. Relative
// paths are resolved against the file's directory, and the result is checked
// against a CUE schema and the struct validate tags:
//
//	workspace: T123
//	store:
//	  path: .goalflow/goalflow.db
//	rules:
//	  path: goalflow.rules.yaml
//	  policies: [policies/]
//	dispatch:
//	  mode: in_process
//	  log_dir: .goalflow/logs
//	cache:
//	  enabled: true
//	  store: file
//	  directory: .goalflow/cache
//
// # Rule documents
//
// Rules are evaluated in declared order. Each rule has push tests, a first
// group of goals and optional later groups under then:
//
//	rules:
//	  - name: build
//	    tests: ["changed:**/*.go"]
//	    goals:
//	      - name: compile
//	        script: {command: go build ./...}
//	    then:
//	      - - name: test
//	          script: {command: go test ./...}
//	  - name: docs-only
//	    test: "!changed:**/*.go"
//	    goals: [immaterial]
//
// The same document can be written in CUE (rules.cue) or HCL (rules.hcl).
// Push tests are always, default_branch, branch:, changed:, file:, rego: and
// starlark:, optionally negated with "!".
//
// # Reloading
//
// Watcher fires a debounced reload when the config, the rule document or any
// .rego/.star file under a watched directory changes.
package config
