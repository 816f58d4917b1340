package cache

import (
	"regexp"
	"strings"
	"testing"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"npm-deps", "npm-deps"},
		{"feature/login", "feature_login"},
		{"..hidden", "hidden"},
		{".", DefaultClassifier},
		{"", DefaultClassifier},
		{"a b:c*d", "a_b_c_d"},
		{"v1.2.3_rc", "v1.2.3_rc"},
		{"üñí", "___"},
		{"../../etc/passwd", "_.._etc_passwd"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := Sanitize(tt.in); got != tt.want {
				t.Errorf("Sanitize(%q): expected %q, got: %q", tt.in, tt.want, got)
			}
		})
	}
}

func TestSanitize_Properties(t *testing.T) {
	safe := regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
	inputs := []string{
		"", ".", "...", "./x", "a/b/c", "${sha}", "\x00\x01", "..+..", "main", "日本",
		"feature/x", "feature_x",
	}

	for _, in := range inputs {
		got := Sanitize(in)
		if !safe.MatchString(got) {
			t.Errorf("Sanitize(%q) = %q contains characters outside the safe set", in, got)
		}
		if strings.HasPrefix(got, ".") {
			t.Errorf("Sanitize(%q) = %q starts with a dot", in, got)
		}
		if again := Sanitize(in); again != got {
			t.Errorf("Sanitize(%q) is not deterministic: %q vs %q", in, got, again)
		}
		if Sanitize(got) != got {
			t.Errorf("Sanitize(%q) = %q is not a fixed point", in, got)
		}
	}

	// Collisions are expected: both map to the same segment.
	if Sanitize("feature/x") != Sanitize("feature_x") {
		t.Error("Expected feature/x and feature_x to collide")
	}
}

func TestScope_Key(t *testing.T) {
	s := Scope{
		Workspace:   "T123",
		Owner:       "acme",
		Repo:        "web",
		Branch:      "feature/login",
		Sha:         "abc123",
		Goal:        "build",
		Environment: "testing",
	}

	tests := []struct {
		classifier string
		want       string
	}{
		{"npm-${branch}", "T123/npm-feature_login"},
		{"${owner}-${repo}-${sha}", "T123/acme-web-abc123"},
		{"${environment}.${goal}", "T123/testing.build"},
		{"${workspace}", "T123/T123"},
		{"${unknown}", "T123/__unknown_"},
		{"", "T123/default"},
	}

	for _, tt := range tests {
		t.Run(tt.classifier, func(t *testing.T) {
			if got := s.Key(tt.classifier); got != tt.want {
				t.Errorf("Expected %q, got: %q", tt.want, got)
			}
		})
	}
}

func TestNamespace_SanitizesWorkspace(t *testing.T) {
	if got := Namespace("../evil", "x"); got != "_evil/x" {
		t.Errorf("Expected workspace to be sanitized, got: %q", got)
	}
}
