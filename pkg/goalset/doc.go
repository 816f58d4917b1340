// Package goalset assembles the goals that apply to a push.
//
// Rules are evaluated in declared priority order. Every rule whose test matches
// contributes its goals, and the result is the de-duplicated union of all
// contributions. A lock goal stops evaluation of the rules after it:
//
//	rules := []*goalset.Rule{
//	    goalset.NewRule("docs-only", docsOnly, goalset.Immaterial()),
//	    goalset.NewRule("build", nil, compile).Then(test),
//	    goalset.NewRule("deploy", push.ToDefaultBranch(), deploy).After("build"),
//	}
//
// Within a rule each group depends on the previous group, and DependsOn makes
// every goal of the rule depend on the goals of the named rules that matched.
// The assembled preconditions are validated as a DAG before the set is returned.
package goalset
