// Package engine drives goal sets from push to completion.
//
// # Overview
//
// The engine reacts to two kinds of events:
//
//  1. A push. The assembler evaluates the rules against it and the resulting
//     goal set is recorded. Goals without preconditions start requested.
//  2. A goal changing state. The planned siblings of the goal are resolved
//     again: satisfied goals become requested, goals whose preconditions can
//     never succeed become skipped with a reason naming the root failure.
//
// After either event every newly requested goal is handed to the dispatcher,
// one goroutine per goal, and the set is resolved again until nothing is
// left to start. Progression of one goal set is serialized inside the process.
//
// # Operator Actions
//
// Retry opens a new epoch for a goal that did not succeed, together with the
// dependents below it that were skipped or canceled. Approve releases an approval
// gate. Cancel moves every unfinished goal recorded for a commit to canceled.
//
// # Runtime
//
// NewRuntime wires an engine from a config.Config:
//
//	cfg, err := config.Load(ctx, "goalflow.yaml")
//	if err != nil {
//	    return err
//	}
//	rt, err := engine.NewRuntime(ctx, cfg, engine.RuntimeOptions{ProjectDir: "."})
//	if err != nil {
//	    return err
//	}
//	defer rt.Close(ctx)
//
//	res, err := rt.Engine.HandlePush(ctx, &push.Push{
//	    Workspace:  cfg.Workspace,
//	    Owner:      "acme",
//	    Repo:       "web",
//	    Branch:     "main",
//	    Sha:        "abc123",
//	    ProjectDir: ".",
//	})
//
// Reload recompiles policies and rules and swaps them in without disturbing
// goals that are already running.
package engine
