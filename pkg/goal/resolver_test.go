package goal

import (
	"testing"
)

func TestResolve_Satisfied(t *testing.T) {
	compile := newInstance("compile", StateSuccess)
	lint := newInstance("lint", StateSuccess)
	test := newInstance("test", StatePlanned, "compile", "lint")

	res := Resolve(test, []*Instance{compile, lint, test})
	if res.Verdict != VerdictSatisfied {
		t.Errorf("Expected satisfied, got %s (%s)", res.Verdict, res.Reason)
	}
}

func TestResolve_Waiting(t *testing.T) {
	compile := newInstance("compile", StateInProcess)
	lint := newInstance("lint", StateSuccess)
	test := newInstance("test", StatePlanned, "compile", "lint")

	res := Resolve(test, []*Instance{compile, lint, test})
	if res.Verdict != VerdictWaiting {
		t.Errorf("Expected waiting, got %s", res.Verdict)
	}
	if res.Root != nil {
		t.Errorf("Expected no root for a waiting verdict, got %v", res.Root)
	}
}

func TestResolve_NoPreconditions(t *testing.T) {
	g := newInstance("compile", StatePlanned)
	if res := Resolve(g, []*Instance{g}); res.Verdict != VerdictSatisfied {
		t.Errorf("Expected satisfied without preconditions, got %s", res.Verdict)
	}
}

func TestResolve_DirectFailure(t *testing.T) {
	compile := newInstance("compile", StateFailure)
	compile.Definition.DisplayName = "Compile"
	test := newInstance("test", StatePlanned, "compile")
	test.Definition.DisplayName = "Test"

	res := Resolve(test, []*Instance{compile, test})
	if res.Verdict != VerdictFailed {
		t.Fatalf("Expected failed, got %s", res.Verdict)
	}
	if res.Root == nil || res.Root.Name != "compile" {
		t.Fatalf("Expected root compile, got %v", res.Root)
	}
	if res.Reason != "Skipped Test because Compile failed" {
		t.Errorf("Unexpected reason: %q", res.Reason)
	}
}

// A failed compile skips test, and deploy must name compile as the root cause,
// not its direct precondition.
func TestResolve_TransitiveCascadeNamesRoot(t *testing.T) {
	compile := newInstance("compile", StateFailure)
	compile.Definition.DisplayName = "Compile"
	test := newInstance("test", StatePlanned, "compile")
	test.Definition.DisplayName = "Test"
	deploy := newInstance("deploy", StatePlanned, "test")
	deploy.Definition.DisplayName = "Deploy"

	siblings := []*Instance{compile, test, deploy}

	res := Resolve(test, siblings)
	if res.Reason != "Skipped Test because Compile failed" {
		t.Fatalf("Unexpected reason for test: %q", res.Reason)
	}

	skipped, err := Transition(test, StateSkipped, Change{Description: res.Reason})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	siblings[1] = skipped

	res = Resolve(deploy, siblings)
	if res.Verdict != VerdictFailed {
		t.Fatalf("Expected failed, got %s", res.Verdict)
	}
	if res.Root == nil || res.Root.Name != "compile" {
		t.Fatalf("Expected root compile, got %v", res.Root)
	}
	if res.Reason != "Skipped Deploy because Compile failed" {
		t.Errorf("Unexpected reason for deploy: %q", res.Reason)
	}
}

// Failure discovered through a still-planned intermediate goal fails early,
// before the intermediate goal itself is skipped.
func TestResolve_FailureThroughPendingGoal(t *testing.T) {
	compile := newInstance("compile", StateFailure)
	test := newInstance("test", StatePlanned, "compile")
	deploy := newInstance("deploy", StatePlanned, "test")

	res := Resolve(deploy, []*Instance{compile, test, deploy})
	if res.Verdict != VerdictFailed || res.Root == nil || res.Root.Name != "compile" {
		t.Errorf("Expected failure rooted at compile, got %s root=%v", res.Verdict, res.Root)
	}
}

func TestResolve_CanceledAndStopped(t *testing.T) {
	tests := []struct {
		state  State
		reason string
	}{
		{StateCanceled, "Skipped test because compile was canceled"},
		{StateStopped, "Skipped test because compile was stopped"},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			compile := newInstance("compile", tt.state)
			test := newInstance("test", StatePlanned, "compile")

			res := Resolve(test, []*Instance{compile, test})
			if res.Verdict != VerdictFailed {
				t.Fatalf("Expected failed, got %s", res.Verdict)
			}
			if res.Reason != tt.reason {
				t.Errorf("Expected %q, got %q", tt.reason, res.Reason)
			}
		})
	}
}

func TestResolve_SkippedWithoutFailedRoot(t *testing.T) {
	lint := newInstance("lint", StateSkipped)
	test := newInstance("test", StatePlanned, "lint")

	res := Resolve(test, []*Instance{lint, test})
	if res.Verdict != VerdictFailed {
		t.Fatalf("Expected failed, got %s", res.Verdict)
	}
	if res.Reason != "Skipped test because lint was skipped" {
		t.Errorf("Unexpected reason: %q", res.Reason)
	}
}

func TestResolve_MissingPreconditionIsIntegrityError(t *testing.T) {
	test := newInstance("test", StatePlanned, "compile")

	res := Resolve(test, []*Instance{test})
	if res.Verdict != VerdictFailed {
		t.Fatalf("Expected failed, got %s", res.Verdict)
	}
	if !IsIntegrity(res.Err) {
		t.Errorf("Expected integrity error, got: %v", res.Err)
	}
	if res.Reason != "Skipped test because compile is missing" {
		t.Errorf("Unexpected reason: %q", res.Reason)
	}
}

func TestResolve_EnvironmentScopedKeys(t *testing.T) {
	stagingDeploy := newInstance("deploy", StateFailure)
	stagingDeploy.Definition.Environment = "staging"
	prodDeploy := newInstance("deploy", StateSuccess)
	prodDeploy.Definition.Environment = "production"

	verify := newInstance("verify", StatePlanned)
	verify.PreConditions = []Key{{Environment: "production", Name: "deploy"}}

	res := Resolve(verify, []*Instance{stagingDeploy, prodDeploy, verify})
	if res.Verdict != VerdictSatisfied {
		t.Errorf("Expected satisfied by production deploy, got %s (%s)", res.Verdict, res.Reason)
	}
}

func TestResolve_CycleTerminates(t *testing.T) {
	a := newInstance("a", StatePlanned, "b")
	b := newInstance("b", StatePlanned, "a")

	res := Resolve(a, []*Instance{a, b})
	if res.Verdict != VerdictWaiting {
		t.Errorf("Expected waiting on a cycle, got %s", res.Verdict)
	}
}

func TestResolve_Idempotent(t *testing.T) {
	compile := newInstance("compile", StateFailure)
	test := newInstance("test", StatePlanned, "compile")
	siblings := []*Instance{compile, test}

	first := Resolve(test, siblings)
	for i := 0; i < 3; i++ {
		again := Resolve(test, siblings)
		if again.Verdict != first.Verdict || again.Reason != first.Reason {
			t.Fatalf("Expected identical resolution, got %+v vs %+v", again, first)
		}
	}
}
